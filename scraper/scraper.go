// Package scraper finds order rows in the vendor dashboard table and injects
// the SMS action buttons into them.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"snappyar-notifier/pkg/notifier"
)

// Column names used by the dashboard table (data-name attributes).
const (
	ColPhone     = "VUserName"
	ColFirstName = "FirstName"
	ColPrice     = "Price"
	ColTracking  = "TrackingCode"
	ColBranch    = "BranchName"
	ColDateTime  = "DateTime"
	ColSingle    = "SmsAction"
	ColAggregate = "AggregateAction"
)

// Labels shown in the injected header cells and buttons.
const (
	SingleLabel    = "ارسال پیامک"
	AggregateLabel = "ارسال تجمیعی"
	SentLabel      = "ارسال شد!"
)

// ButtonClass marks injected buttons.
const ButtonClass = "sf-sms-btn"

// DefaultSentinel is the tracking value of orders placed through the delivery platform.
const DefaultSentinel = "snappfood"

// MarkerSet reports whether an action already ran for an order.
type MarkerSet interface {
	IsSent(ctx context.Context, orderID string, kind notifier.ActionKind) bool
}

// Report summarizes a reconciliation pass.
type Report struct {
	Tables       int `json:"tables"`
	HeadersAdded int `json:"headers_added"`
	CellsAdded   int `json:"cells_added"`
	RowsSkipped  int `json:"rows_skipped"`
	RowsComplete int `json:"rows_complete"`
}

// Scraper reconciles dashboard documents.
type Scraper struct {
	markers  MarkerSet
	logger   *slog.Logger
	sentinel string
}

// New creates a scraper. An empty sentinel means DefaultSentinel.
func New(markers MarkerSet, sentinel string, logger *slog.Logger) *Scraper {
	sentinel = strings.ToLower(strings.TrimSpace(sentinel))
	if sentinel == "" {
		sentinel = DefaultSentinel
	}
	return &Scraper{markers: markers, sentinel: sentinel, logger: logger}
}

// ReconcileHTML parses r, reconciles it and renders the result.
func (s *Scraper) ReconcileHTML(ctx context.Context, r io.Reader) (string, Report, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", Report{}, fmt.Errorf("parse document: %w", err)
	}
	report := s.Reconcile(ctx, doc)
	out, err := doc.Html()
	if err != nil {
		return "", report, fmt.Errorf("render document: %w", err)
	}
	return out, report, nil
}

// Reconcile adds the action header cells and per-row buttons wherever they
// are missing. Running it again on its own output changes nothing.
func (s *Scraper) Reconcile(ctx context.Context, doc *goquery.Document) Report {
	var report Report
	targetBodies(doc).Each(func(_ int, tbody *goquery.Selection) {
		report.Tables++
		report.HeadersAdded += ensureHeader(tbody)
		dataRows(tbody).Each(func(_ int, row *goquery.Selection) {
			s.reconcileRow(ctx, row, &report)
		})
	})

	s.logger.Debug("Dashboard reconciled",
		"tables", report.Tables,
		"headers_added", report.HeadersAdded,
		"cells_added", report.CellsAdded,
		"rows_skipped", report.RowsSkipped,
		"rows_complete", report.RowsComplete)
	return report
}

func (s *Scraper) reconcileRow(ctx context.Context, row *goquery.Selection, report *Report) {
	c, ok := findCells(row)
	if !ok {
		report.RowsSkipped++
		return
	}
	single := cell(row, ColSingle)
	aggregate := cell(row, ColAggregate)
	if single.Length() > 0 && aggregate.Length() > 0 {
		report.RowsComplete++
		return
	}

	orderID, _ := row.Attr("data-id")
	tracking := strings.ToLower(strings.TrimSpace(c.tracking.Text()))
	active := tracking == s.sentinel

	if single.Length() == 0 {
		td := s.actionCell(ctx, ColSingle, notifier.ActionSingle, SingleLabel, orderID, active)
		c.phone.AfterNodes(td)
		single = goquery.NewDocumentFromNode(td).Selection
		report.CellsAdded++
	}
	if aggregate.Length() == 0 {
		td := s.actionCell(ctx, ColAggregate, notifier.ActionAggregate, AggregateLabel, orderID, active)
		single.AfterNodes(td)
		report.CellsAdded++
	}
}

// actionCell builds <td data-name=col><button ...>label</button></td>.
func (s *Scraper) actionCell(ctx context.Context, col string, kind notifier.ActionKind, label, orderID string, active bool) *html.Node {
	state := "ready"
	switch {
	case !active:
		state = "inactive"
	case orderID != "" && s.markers != nil && s.markers.IsSent(ctx, orderID, kind):
		state = "sent"
		label = SentLabel
	}

	attrs := []html.Attribute{
		{Key: "class", Val: ButtonClass},
		{Key: "type", Val: "button"},
		{Key: "data-kind", Val: string(kind)},
		{Key: "data-order-id", Val: orderID},
		{Key: "data-state", Val: state},
		{Key: "style", Val: buttonStyle(kind, state)},
	}
	if state != "ready" {
		attrs = append(attrs, html.Attribute{Key: "disabled", Val: ""})
	}

	button := element(atom.Button, attrs...)
	button.AppendChild(&html.Node{Type: html.TextNode, Data: label})
	td := element(atom.Td, html.Attribute{Key: "data-name", Val: col})
	td.AppendChild(button)
	return td
}

func buttonStyle(kind notifier.ActionKind, state string) string {
	bg, border := "#16a34a", "#15803d"
	if kind == notifier.ActionAggregate {
		bg, border = "#8b5cf6", "#7c3aed"
	}
	cursor := "pointer"
	switch state {
	case "inactive":
		bg, border, cursor = "#9ca3af", "#9ca3af", "not-allowed"
	case "sent":
		bg, border, cursor = "#10b981", "#10b981", "not-allowed"
	}
	return fmt.Sprintf("padding:3px 8px;border-radius:6px;border:1px solid %s;background:%s;color:#ffffff;cursor:%s;white-space:nowrap;font-size:11px", border, bg, cursor)
}

// ensureHeader adds the two action header cells after the phone column and
// returns how many it added.
func ensureHeader(tbody *goquery.Selection) int {
	header := tbody.Find("tr").First()
	phone := header.Find(`th[data-name="` + ColPhone + `"]`).First()
	if phone.Length() == 0 {
		return 0
	}

	added := 0
	single := header.Find(`th[data-name="` + ColSingle + `"]`).First()
	if single.Length() == 0 {
		th := headerCell(ColSingle, SingleLabel)
		phone.AfterNodes(th)
		single = goquery.NewDocumentFromNode(th).Selection
		added++
	}
	if header.Find(`th[data-name="`+ColAggregate+`"]`).Length() == 0 {
		single.AfterNodes(headerCell(ColAggregate, AggregateLabel))
		added++
	}
	return added
}

func headerCell(col, label string) *html.Node {
	th := element(atom.Th, html.Attribute{Key: "data-name", Val: col})
	th.AppendChild(&html.Node{Type: html.TextNode, Data: label})
	return th
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

// targetBodies returns the tbody elements whose first row is the order table header.
func targetBodies(doc *goquery.Document) *goquery.Selection {
	return doc.Find("tbody").FilterFunction(func(_ int, tbody *goquery.Selection) bool {
		names := map[string]bool{}
		tbody.Find("tr").First().Find("th").Each(func(_ int, th *goquery.Selection) {
			if name, ok := th.Attr("data-name"); ok {
				names[name] = true
			}
		})
		return names[ColPhone] && names[ColFirstName] && names[ColPrice] && names[ColTracking]
	})
}

func dataRows(tbody *goquery.Selection) *goquery.Selection {
	return tbody.Find("tr").Slice(1, goquery.ToEnd)
}

type cells struct {
	firstName, price, phone, tracking, branch, dateTime *goquery.Selection
}

func cell(row *goquery.Selection, name string) *goquery.Selection {
	return row.Find(`td[data-name="` + name + `"]`).First()
}

func findCells(row *goquery.Selection) (cells, bool) {
	c := cells{
		firstName: cell(row, ColFirstName),
		price:     cell(row, ColPrice),
		phone:     cell(row, ColPhone),
		tracking:  cell(row, ColTracking),
		branch:    cell(row, ColBranch),
		dateTime:  cell(row, ColDateTime),
	}
	ok := c.firstName.Length() > 0 && c.price.Length() > 0 && c.phone.Length() > 0 && c.tracking.Length() > 0
	return c, ok
}

// Rows extracts the order rows of every order table in doc.
func Rows(doc *goquery.Document) []notifier.OrderRow {
	var rows []notifier.OrderRow
	targetBodies(doc).Each(func(_ int, tbody *goquery.Selection) {
		dataRows(tbody).Each(func(_ int, row *goquery.Selection) {
			if r, ok := extractRow(row); ok {
				rows = append(rows, r)
			}
		})
	})
	return rows
}

// FindRow returns the row whose data-id is id.
func FindRow(doc *goquery.Document, id string) (notifier.OrderRow, bool) {
	for _, r := range Rows(doc) {
		if r.ID == id {
			return r, true
		}
	}
	return notifier.OrderRow{}, false
}

func extractRow(row *goquery.Selection) (notifier.OrderRow, bool) {
	c, ok := findCells(row)
	if !ok {
		return notifier.OrderRow{}, false
	}
	id, _ := row.Attr("data-id")
	return notifier.OrderRow{
		ID:           id,
		FirstName:    collapse(c.firstName.Text()),
		Phone:        collapse(c.phone.Text()),
		Price:        collapse(c.price.Text()),
		TrackingCode: collapse(c.tracking.Text()),
		BranchName:   ownText(c.branch),
		DateTime:     ownText(c.dateTime),
	}, true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ownText joins the direct text children of sel, ignoring nested elements
// such as badges and tooltips.
func ownText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	var parts []string
	for n := sel.Get(0).FirstChild; n != nil; n = n.NextSibling {
		if n.Type == html.TextNode {
			parts = append(parts, n.Data)
		}
	}
	return notifier.CleanText(strings.Join(parts, " "))
}
