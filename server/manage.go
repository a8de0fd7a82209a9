package server

import (
	"net/http"

	"snappyar-notifier/pkg/notifier"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.options.Load(r.Context()))
}

func (s *Server) handleSaveAPI(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		URL   string `json:"api_url"`
		Token string `json:"auth_token"`
	}
	if !decode(w, r, &payload) {
		return
	}
	enabled, err := s.options.SaveAPI(r.Context(), payload.URL, payload.Token)
	if err != nil {
		s.logger.Error("Failed to save API settings", "error", err)
		writeError(w, statusFor(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"test_send_enabled": enabled})
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.options.Load(r.Context()).Templates)
}

func (s *Server) handleAddDomain(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Domain string `json:"domain"`
	}
	if !decode(w, r, &payload) {
		return
	}
	domain, err := s.options.AddDomain(r.Context(), payload.Domain)
	if err != nil {
		writeError(w, statusFor(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": domain})
}

// handleSaveTemplate stores the template of ?domain=; no domain means the default.
func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Template string `json:"template"`
		LinkBase string `json:"link_base"`
	}
	if !decode(w, r, &payload) {
		return
	}
	domain := domainParam(r)
	if err := s.options.SaveTemplate(r.Context(), domain, payload.Template, payload.LinkBase); err != nil {
		s.logger.Error("Failed to save template", "domain", domain, "error", err)
		writeError(w, statusFor(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": domain})
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	domain := domainParam(r)
	if err := s.options.DeleteTemplate(r.Context(), domain); err != nil {
		s.logger.Error("Failed to delete template", "domain", domain, "error", err)
		writeError(w, statusFor(err), "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"domains": s.options.Domains(r.Context())})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": s.options.Accounts(r.Context())})
}

func (s *Server) handleTestSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Phone   string `json:"phone"`
		Message string `json:"message"`
	}
	if !decode(w, r, &payload) {
		return
	}
	if err := s.options.TestSend(r.Context(), payload.Phone, payload.Message); err != nil {
		writeError(w, statusFor(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.options.Logs(r.Context())})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.options.ClearLogs(r.Context()); err != nil {
		s.logger.Error("Failed to clear logs", "error", err)
		writeError(w, statusFor(err), "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// domainParam reads ?domain=, defaulting to the default domain.
func domainParam(r *http.Request) string {
	if d := r.URL.Query().Get("domain"); d != "" {
		return d
	}
	return notifier.DefaultDomain
}
