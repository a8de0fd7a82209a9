package vendorapi

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"

	"snappyar-notifier/pkg/notifier"
)

// Shape names the form an order-list response arrived in.
type Shape int

const (
	// ShapeEmpty is an unparseable or unrecognized body.
	ShapeEmpty Shape = iota
	// ShapeArray is a bare JSON array of orders.
	ShapeArray
	// ShapeData is an object with a "data" array.
	ShapeData
	// ShapeIncluded is an object with an "included" array of typed resources.
	ShapeIncluded
)

func (s Shape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeData:
		return "data"
	case ShapeIncluded:
		return "included"
	default:
		return "empty"
	}
}

// OrderList is a decoded order-list response.
type OrderList struct {
	Orders []notifier.RemoteOrder
	Shape  Shape
}

// FindByCustomer returns the first order whose customer name matches name
// after normalization, and only when it carries a code.
func (l OrderList) FindByCustomer(name string) (notifier.RemoteOrder, bool) {
	want := notifier.MatchKey(name)
	order, ok := lo.Find(l.Orders, func(o notifier.RemoteOrder) bool {
		return notifier.MatchKey(o.CustomerName) == want
	})
	if !ok || order.Code == "" {
		return notifier.RemoteOrder{}, false
	}
	return order, true
}

// resource is a JSON:API style record. Plain records put their fields at the
// top level, so both places are read.
type resource struct {
	ID         flexString `json:"id"`
	Type       string     `json:"type"`
	Title      flexString `json:"title"`
	Attributes struct {
		ID           flexString `json:"id"`
		Title        flexString `json:"title"`
		CustomerName flexString `json:"customerName"`
		Code         flexString `json:"code"`
	} `json:"attributes"`
}

type envelope struct {
	Data     json.RawMessage `json:"data"`
	Included json.RawMessage `json:"included"`
}

// DecodeOrders resolves an order-list body to an OrderList. A bare array wins,
// then a "data" array, then "included" entries of type "order". Unparseable
// bodies decode to an empty list.
func DecodeOrders(body []byte) OrderList {
	items, shape := decodeResources(body)
	if shape == ShapeIncluded {
		items = lo.Filter(items, func(r resource, _ int) bool { return r.Type == "order" })
	}
	return OrderList{
		Shape: shape,
		Orders: lo.Map(items, func(r resource, _ int) notifier.RemoteOrder {
			return notifier.RemoteOrder{
				ID:           string(r.ID),
				Type:         r.Type,
				CustomerName: string(r.Attributes.CustomerName),
				Code:         string(r.Attributes.Code),
			}
		}),
	}
}

func decodeResources(body []byte) ([]resource, Shape) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ShapeEmpty
	}
	if trimmed[0] == '[' {
		var items []resource
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, ShapeEmpty
		}
		return items, ShapeArray
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, ShapeEmpty
	}
	var items []resource
	if isArray(env.Data) && json.Unmarshal(env.Data, &items) == nil {
		return items, ShapeData
	}
	if isArray(env.Included) && json.Unmarshal(env.Included, &items) == nil {
		return items, ShapeIncluded
	}
	return nil, ShapeEmpty
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// DecodeVendors reads a vendor-list body. "included" entries of type
// "vendorUser" are preferred; otherwise a bare array or "data" array is read.
// Entries without both an id and a title are dropped.
func DecodeVendors(body []byte) []notifier.Vendor {
	var items []resource
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env envelope
		if json.Unmarshal(trimmed, &env) == nil {
			var included []resource
			if isArray(env.Included) && json.Unmarshal(env.Included, &included) == nil {
				items = lo.Filter(included, func(r resource, _ int) bool { return r.Type == "vendorUser" })
			}
			if len(items) == 0 && isArray(env.Data) {
				_ = json.Unmarshal(env.Data, &items)
			}
		}
	} else if len(trimmed) > 0 && trimmed[0] == '[' {
		_ = json.Unmarshal(trimmed, &items)
	}

	vendors := lo.Map(items, func(r resource, _ int) notifier.Vendor {
		return notifier.Vendor{
			ID:    lo.CoalesceOrEmpty(string(r.ID), string(r.Attributes.ID)),
			Title: lo.CoalesceOrEmpty(string(r.Attributes.Title), string(r.Title)),
		}
	})
	return lo.Filter(vendors, func(v notifier.Vendor, _ int) bool {
		return v.ID != "" && v.Title != ""
	})
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		// Objects, arrays and booleans are ignored rather than failing the record.
		return nil
	}
	*f = flexString(n.String())
	return nil
}

// jwtExpiry returns the exp claim of token without verifying its signature.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

