// Package extract turns one commerce order line item into ticket-holder
// records.
//
// Ticket form fields arrive as maps keyed by opaque hashes with no schema,
// so values are classified by content rather than position: each value is
// guessed to be an email, an unfilled placeholder, a name or something
// else, and the holder identity is read off the ordered guesses.
package extract

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/iliyamo/checkin-reconciler/internal/woo"
)

const maxNameRunes = 60

// Ticket is one holder extracted from a line item.
type Ticket struct {
	TicketID    string
	HolderEmail string
	HolderFirst string
	HolderLast  string
	BookerEmail string
	BookerFirst string
	BookerLast  string
	OrderID     uint64
	OrderDate   *time.Time
	OrderStatus string
	TicketType  string
	ProductID   uint64
	// IsFallback marks tickets synthesized from the billing identity
	// because the line item carried no usable per-ticket data.
	IsFallback bool
}

// Result is the outcome of extracting one line item.
type Result struct {
	Tickets  []Ticket
	Dropped  int
	Fallback bool
	Warnings []string
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Extract reads the tickets of one line item of order.
func Extract(order woo.Order, item woo.LineItem) Result {
	base := Ticket{
		BookerEmail: normalizeEmail(order.Billing.Email),
		BookerFirst: strings.TrimSpace(order.Billing.FirstName),
		BookerLast:  strings.TrimSpace(order.Billing.LastName),
		OrderID:     order.ID,
		OrderStatus: order.Status,
		TicketType:  TicketType(item),
		ProductID:   item.ProductID,
	}
	if t, ok := order.CreatedAt(); ok {
		base.OrderDate = &t
	}

	entries, ok := item.TicketData()
	if !ok {
		return fallback(order, item, base)
	}

	var res Result
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		h := classify(e.Fields)
		if h.email == "" {
			res.Dropped++
			res.warnf("order %d item %d ticket %d: no email in ticket fields", order.ID, item.ID, i)
			continue
		}

		t := base
		t.HolderEmail = h.email
		t.HolderFirst = h.first
		t.HolderLast = h.last
		if id, ok := item.TicketIDFor(e.UID); ok {
			t.TicketID = id
		} else {
			t.TicketID = fmt.Sprintf("%d-%d-%d", order.ID, item.ID, i)
		}
		if seen[t.TicketID] {
			res.Dropped++
			res.warnf("order %d item %d: duplicate ticket id %s", order.ID, item.ID, t.TicketID)
			continue
		}
		seen[t.TicketID] = true
		res.Tickets = append(res.Tickets, t)
	}
	return res
}

// fallback synthesizes quantity tickets from the billing identity.  The
// holders of such tickets are unknown, so every record is flagged.
func fallback(order woo.Order, item woo.LineItem, base Ticket) Result {
	res := Result{Fallback: true}
	if item.HasTicketData() {
		res.warnf("order %d item %d: unreadable ticket data, using billing identity", order.ID, item.ID)
	}
	if item.Quantity <= 0 {
		return res
	}
	if base.BookerEmail == "" {
		res.Dropped = item.Quantity
		res.warnf("order %d item %d: no ticket data and no billing email", order.ID, item.ID)
		return res
	}
	for n := 1; n <= item.Quantity; n++ {
		t := base
		t.TicketID = fmt.Sprintf("fallback-%d-%d-%d", order.ID, item.ID, n)
		t.HolderEmail = base.BookerEmail
		t.HolderFirst = base.BookerFirst
		t.HolderLast = base.BookerLast
		t.IsFallback = true
		res.Tickets = append(res.Tickets, t)
	}
	return res
}

type kind int

const (
	kindOther kind = iota
	kindEmail
	kindPlaceholder
	kindName
)

var placeholders = map[string]bool{
	"first name":  true,
	"last name":   true,
	"family name": true,
	"surname":     true,
	"name":        true,
}

type holder struct {
	email string
	first string
	last  string
}

// classify walks the fields in key order.  The first email wins; the
// first two name-like slots become first and last name, with placeholders
// holding their slot but reading as empty.
func classify(fields map[string]string) holder {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var h holder
	var names []string
	for _, k := range keys {
		v := strings.TrimSpace(fields[k])
		switch guess(v) {
		case kindEmail:
			if h.email == "" {
				h.email = normalizeEmail(v)
			}
		case kindPlaceholder:
			names = append(names, "")
		case kindName:
			names = append(names, v)
		}
	}
	if len(names) > 0 {
		h.first = names[0]
	}
	if len(names) > 1 {
		h.last = names[1]
	}
	return h
}

func guess(v string) kind {
	if v == "" {
		return kindOther
	}
	if strings.Contains(v, "@") {
		return kindEmail
	}
	if placeholders[strings.Join(strings.Fields(strings.ToLower(v)), " ")] {
		return kindPlaceholder
	}
	if utf8.RuneCountInString(v) > maxNameRunes {
		return kindOther
	}
	// Phone numbers and postcodes share forms with names.
	for _, r := range v {
		if unicode.IsDigit(r) {
			return kindOther
		}
	}
	return kindName
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TicketType returns the price tier of a line item: a variation attribute
// when one is present, otherwise the suffix after the last " - " in the
// item name.  An empty string means unknown.
func TicketType(item woo.LineItem) string {
	for _, m := range item.MetaData {
		if strings.HasPrefix(m.Key, "_") {
			continue
		}
		key := strings.ToLower(m.Key)
		if !strings.HasPrefix(key, "pa_") && !strings.Contains(key, "ticket") && !strings.Contains(key, "type") {
			continue
		}
		if v, ok := m.DisplayString(); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		if v, ok := m.String(); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if i := strings.LastIndex(item.Name, " - "); i >= 0 {
		if s := strings.TrimSpace(item.Name[i+3:]); s != "" {
			return s
		}
	}
	return ""
}

