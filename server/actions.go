package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"snappyar-notifier/dispatch"
	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/scraper"
)

// handleReconcile takes a dashboard document and returns it with the action
// buttons injected. Counts are reported in X-Reconcile-* headers.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	out, report, err := s.reconciler.ReconcileHTML(r.Context(), io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.logger.Warn("Reconcile failed", "domain", domain, "error", err)
		writeError(w, http.StatusBadRequest, "reconcile: %v", err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("X-Reconcile-Tables", strconv.Itoa(report.Tables))
	h.Set("X-Reconcile-Cells-Added", strconv.Itoa(report.CellsAdded))
	h.Set("X-Reconcile-Rows-Skipped", strconv.Itoa(report.RowsSkipped))
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, out); err != nil {
		s.logger.Warn("Failed to write reconciled document", "error", err)
	}
}

type actionRequest struct {
	Row     *notifier.OrderRow  `json:"row,omitempty"`
	Domain  string              `json:"domain"`
	Kind    notifier.ActionKind `json:"kind"`
	HTML    string              `json:"html,omitempty"`
	OrderID string              `json:"order_id,omitempty"`
}

// handleAction runs a button click. The row is given directly or located by
// order_id in a dashboard document.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown action kind %q", req.Kind)
		return
	}

	row, ok := s.resolveRow(w, req)
	if !ok {
		return
	}

	outcome, err := s.dispatcher.Send(r.Context(), req.Domain, row, req.Kind)
	switch {
	case errors.Is(err, dispatch.ErrNotEligible):
		writeJSON(w, http.StatusConflict, map[string]any{"outcome": outcome, "error": err.Error()})
	case err != nil && outcome == nil:
		writeError(w, http.StatusInternalServerError, "dispatch: %v", err)
	case err != nil:
		writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
	}
}

func (s *Server) resolveRow(w http.ResponseWriter, req actionRequest) (notifier.OrderRow, bool) {
	if req.Row != nil {
		return *req.Row, true
	}
	if req.HTML == "" || req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "row or html with order_id is required")
		return notifier.OrderRow{}, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(req.HTML))
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse document: %v", err)
		return notifier.OrderRow{}, false
	}
	row, ok := scraper.FindRow(doc, req.OrderID)
	if !ok {
		writeError(w, http.StatusNotFound, "order row %q not found", req.OrderID)
		return notifier.OrderRow{}, false
	}
	return row, true
}
