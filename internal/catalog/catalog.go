// Package catalog holds the static registry of known event types.
// Publish calls are validated against it; the management API exposes it
// for introspection. It is fixed at process start, never per-tenant.
package catalog

import (
	"encoding/json"
	"sort"
)

// EventType describes one registered event type.
type EventType struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Example     json.RawMessage `json:"example,omitempty"`
}

type Catalog struct {
	types map[string]EventType
}

// New builds a catalog from the given definitions.
func New(types ...EventType) *Catalog {
	c := &Catalog{types: make(map[string]EventType, len(types))}
	for _, t := range types {
		c.types[t.Name] = t
	}
	return c
}

// Default returns the platform's built-in event types.
func Default() *Catalog {
	return New(
		EventType{
			Name:        "invoice.created",
			Description: "An invoice was created for a customer.",
			Example:     json.RawMessage(`{"invoice_id":"inv_123","amount_cents":4200,"currency":"USD"}`),
		},
		EventType{
			Name:        "invoice.paid",
			Description: "An invoice was paid in full.",
			Example:     json.RawMessage(`{"invoice_id":"inv_123","paid_at":"2025-09-30T12:00:00Z"}`),
		},
		EventType{
			Name:        "invoice.payment_failed",
			Description: "A payment attempt for an invoice failed.",
			Example:     json.RawMessage(`{"invoice_id":"inv_123","reason":"card_declined"}`),
		},
		EventType{
			Name:        "customer.created",
			Description: "A customer record was created.",
			Example:     json.RawMessage(`{"customer_id":"cus_123"}`),
		},
		EventType{
			Name:        "customer.updated",
			Description: "A customer record was changed.",
			Example:     json.RawMessage(`{"customer_id":"cus_123","changed_fields":["email"]}`),
		},
		EventType{
			Name:        "customer.deleted",
			Description: "A customer record was deleted.",
			Example:     json.RawMessage(`{"customer_id":"cus_123"}`),
		},
		EventType{
			Name:        "file.uploaded",
			Description: "A file finished uploading to storage.",
			Example:     json.RawMessage(`{"file_id":"file_123","size_bytes":1048576}`),
		},
		EventType{
			Name:        "file.deleted",
			Description: "A file was removed from storage.",
			Example:     json.RawMessage(`{"file_id":"file_123"}`),
		},
	)
}

// Known reports whether the event type is registered.
func (c *Catalog) Known(name string) bool {
	_, ok := c.types[name]
	return ok
}

// List returns all registered event types sorted by name.
func (c *Catalog) List() []EventType {
	out := make([]EventType, 0, len(c.types))
	for _, t := range c.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
