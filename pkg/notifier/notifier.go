// Package notifier contains the core domain types for the vendor SMS notifier.
package notifier

import "time"

// ActionKind identifies which send button was pressed on a row.
type ActionKind string

const (
	// ActionSingle links the customer to their own order.
	ActionSingle ActionKind = "single"
	// ActionAggregate links the customer to a vendor-level page.
	ActionAggregate ActionKind = "aggregate"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	return k == ActionSingle || k == ActionAggregate
}

// DefaultDomain is the fallback domain key used when no storefront matches.
const DefaultDomain = ""

// OrderRow is one data row read from the dashboard's order table.
type OrderRow struct {
	ID           string `json:"id"`            // data-id attribute of the row
	FirstName    string `json:"first_name"`    // customer first name
	Phone        string `json:"phone"`         // customer phone digits, national format without leading zero
	Price        string `json:"price"`         // display price
	TrackingCode string `json:"tracking_code"` // channel label, e.g. "snappfood"
	BranchName   string `json:"branch_name"`   // vendor branch display name
	DateTime     string `json:"date_time"`     // jalali date with optional time text
}

// RemoteOrder is an order record returned by the vendor's order-list API.
type RemoteOrder struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	CustomerName string `json:"customer_name"`
	Code         string `json:"code"` // used to build the tracking link
}

// Vendor is one storefront the authenticated vendor user can manage.
type Vendor struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// VendorSession is the persisted login state for one domain key.
type VendorSession struct {
	Token     string   `json:"token"`
	ExpiresAt int64    `json:"expires_at"` // milliseconds since epoch
	Vendors   []Vendor `json:"vendors"`
}

// ValidAt reports whether the session has a token that expires strictly after now.
func (s VendorSession) ValidAt(now time.Time) bool {
	return s.Token != "" && s.ExpiresAt > now.UnixMilli()
}

// RemainingDays returns the whole days of validity left at now, or 0 when expired.
func (s VendorSession) RemainingDays(now time.Time) int {
	if !s.ValidAt(now) {
		return 0
	}
	remaining := s.ExpiresAt - now.UnixMilli()
	return int(remaining / (24 * time.Hour).Milliseconds())
}

// Expiry returns ExpiresAt as a time.
func (s VendorSession) Expiry() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// SentKey builds the composite key stored in the sent-marker set.
func SentKey(orderID string, kind ActionKind) string {
	return orderID + "_" + string(kind)
}
