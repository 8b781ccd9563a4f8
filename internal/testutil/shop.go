package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/iliyamo/checkin-reconciler/internal/woo"
)

// Shop is a fake commerce API.  Orders are keyed by product id; Errs
// makes a product's listing fail.
type Shop struct {
	mu       sync.Mutex
	Orders   map[uint64][]woo.Order
	Products []woo.Product
	Errs     map[uint64]error
	calls    int
}

// NewShop returns an empty shop.
func NewShop() *Shop {
	return &Shop{Orders: make(map[uint64][]woo.Order), Errs: make(map[uint64]error)}
}

// ListOrders returns the orders stored for productID.
func (s *Shop) ListOrders(_ context.Context, productID uint64) ([]woo.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.Errs[productID]; err != nil {
		return nil, err
	}
	return append([]woo.Order(nil), s.Orders[productID]...), nil
}

// ListProducts returns every stored product.
func (s *Shop) ListProducts(_ context.Context) ([]woo.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return append([]woo.Product(nil), s.Products...), nil
}

// Calls returns how many listings were requested.
func (s *Shop) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// SetOrders replaces the orders of productID.
func (s *Shop) SetOrders(productID uint64, orders ...woo.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Orders[productID] = orders
}

// TicketOrder builds an order with one line item carrying structured
// ticket data.  Each holder is {ticketID, email, first, last}.
func TicketOrder(orderID, itemID, productID uint64, status string, holders ...[4]string) woo.Order {
	item := woo.LineItem{ID: itemID, ProductID: productID, Quantity: len(holders), Name: "Ticket"}
	var entries []map[string]any
	for i, h := range holders {
		uid := "uid" + h[0]
		entries = append(entries, map[string]any{
			"uid":   uid,
			"index": i,
			"fields": map[string]string{
				"a1": h[2],
				"b2": h[3],
				"c3": h[1],
			},
		})
		item.MetaData = append(item.MetaData, woo.MetaData{Key: "_ticket_id_for_" + uid, Value: mustJSON(h[0])})
	}
	item.MetaData = append(item.MetaData, woo.MetaData{Key: "_ticket_data", Value: mustJSON(entries)})
	return woo.Order{
		ID:             orderID,
		Status:         status,
		DateCreatedGMT: "2024-01-15T10:00:00",
		Billing:        woo.Billing{Email: "booker@example.org", FirstName: "Book", LastName: "Er"},
		LineItems:      []woo.LineItem{item},
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
