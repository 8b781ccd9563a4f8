package woo

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Product is the subset of a commerce product the ledger needs.
type Product struct {
	ID       uint64     `json:"id"`
	Name     string     `json:"name"`
	Status   string     `json:"status"`
	MetaData []MetaData `json:"meta_data"`
}

// Billing is the purchaser identity of an order.
type Billing struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// Order is one commerce order.
type Order struct {
	ID             uint64     `json:"id"`
	Status         string     `json:"status"`
	DateCreated    string     `json:"date_created"`
	DateCreatedGMT string     `json:"date_created_gmt"`
	Billing        Billing    `json:"billing"`
	LineItems      []LineItem `json:"line_items"`
}

// LineItem is one product line of an order.
type LineItem struct {
	ID          uint64     `json:"id"`
	Name        string     `json:"name"`
	ProductID   uint64     `json:"product_id"`
	VariationID uint64     `json:"variation_id"`
	Quantity    int        `json:"quantity"`
	MetaData    []MetaData `json:"meta_data"`
}

// MetaData is a key/value pair attached to products and line items.
// Value is kept raw because its shape depends on the key.
type MetaData struct {
	ID           uint64          `json:"id"`
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	DisplayKey   string          `json:"display_key"`
	DisplayValue json.RawMessage `json:"display_value"`
}

// TicketEntry is one element of a line item's _ticket_data meta value.
// Fields are keyed by opaque form-field hashes.
type TicketEntry struct {
	UID    string
	Index  int
	Fields map[string]string
}

const (
	ticketDataKey     = "_ticket_data"
	ticketIDKeyPrefix = "_ticket_id_for_"
	eventDateKey      = "event_date"
)

// String returns the meta value when it is a scalar (string, number or
// bool).  Arrays, objects and null report false.
func (m MetaData) String() (string, bool) {
	return scalar(m.Value)
}

// DisplayString is String for the display value.
func (m MetaData) DisplayString() (string, bool) {
	return scalar(m.DisplayValue)
}

// Meta returns the first meta entry with the given key.
func (li LineItem) Meta(key string) (MetaData, bool) {
	for _, m := range li.MetaData {
		if m.Key == key {
			return m, true
		}
	}
	return MetaData{}, false
}

// HasTicketData reports whether the line item carries a _ticket_data entry
// at all, regardless of whether it decodes.
func (li LineItem) HasTicketData() bool {
	_, ok := li.Meta(ticketDataKey)
	return ok
}

// TicketData decodes the structured per-ticket field maps.  Any shape the
// decoder does not recognise reports false so callers fall back instead
// of failing.
func (li LineItem) TicketData() ([]TicketEntry, bool) {
	m, ok := li.Meta(ticketDataKey)
	if !ok {
		return nil, false
	}
	var raw []struct {
		UID    json.RawMessage            `json:"uid"`
		Index  json.RawMessage            `json:"index"`
		Fields map[string]json.RawMessage `json:"fields"`
	}
	dec := json.NewDecoder(bytes.NewReader(m.Value))
	if err := dec.Decode(&raw); err != nil || len(raw) == 0 {
		return nil, false
	}
	out := make([]TicketEntry, 0, len(raw))
	for i, r := range raw {
		e := TicketEntry{Index: i, Fields: make(map[string]string, len(r.Fields))}
		if uid, ok := scalar(r.UID); ok {
			e.UID = uid
		}
		if idx, ok := scalar(r.Index); ok {
			if n, err := strconv.Atoi(idx); err == nil {
				e.Index = n
			}
		}
		for k, v := range r.Fields {
			if s, ok := scalar(v); ok {
				e.Fields[k] = s
			}
		}
		out = append(out, e)
	}
	return out, true
}

// TicketIDFor returns the durable ticket id stored for a ticket uid.
func (li LineItem) TicketIDFor(uid string) (string, bool) {
	if uid == "" {
		return "", false
	}
	m, ok := li.Meta(ticketIDKeyPrefix + uid)
	if !ok {
		return "", false
	}
	id, ok := m.String()
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}
	return strings.TrimSpace(id), true
}

// EventDate parses the product's event_date meta (YYYYMMDD) as midnight
// in loc.
func (p Product) EventDate(loc *time.Location) (time.Time, bool) {
	for _, m := range p.MetaData {
		if m.Key != eventDateKey {
			continue
		}
		s, ok := m.String()
		if !ok {
			return time.Time{}, false
		}
		t, err := time.ParseInLocation("20060102", strings.TrimSpace(s), loc)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// CreatedAt returns the order creation time.  The GMT field is preferred;
// the site-local field is read as UTC when it is the only one present.
func (o Order) CreatedAt() (time.Time, bool) {
	for _, s := range []string{o.DateCreatedGMT, o.DateCreated} {
		if s == "" {
			continue
		}
		for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func scalar(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", false
		}
		return strconv.FormatBool(b), true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
	return "", false
}
