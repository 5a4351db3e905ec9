package ledger

import (
	"errors"

	"lit-grid-bot-go/internal/models"
)

// ErrNotFound is returned when a key or order record does not exist.
var ErrNotFound = errors.New("ledger: not found")

// ErrInvalidTransition is returned when an order status update would leave
// a terminal state. FILLED and CANCELLED are terminal.
var ErrInvalidTransition = errors.New("ledger: invalid order status transition")

// Ledger is the core's only persistence dependency: a durable key-value
// store plus an order-record table keyed by exchange order id.
// It abstracts the underlying storage mechanism (BadgerDB in production,
// an in-memory instance in tests) from the rest of the application.
//
// Managers read and write orders through this API only; they never hold a
// second copy that can diverge. The exchange's live-order list remains the
// reconciliation source of truth at restart.
type Ledger interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) (string, error)
	// Set stores value under key, atomically.
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// GetJSON unmarshals the value stored under key into out.
	GetJSON(key string, out interface{}) error
	// SetJSON marshals v and stores it under key.
	SetJSON(key string, v interface{}) error

	// SaveOrder inserts or replaces an order record.
	SaveOrder(o *models.Order) error
	// GetOrder returns the order record with the given id, or ErrNotFound.
	GetOrder(id string) (*models.Order, error)
	// OrdersByStatus returns all order records with the given status.
	OrdersByStatus(status models.OrderStatus) ([]*models.Order, error)

	// MarkFilled transitions an order to FILLED and records the fill size
	// and time. Returns ErrInvalidTransition if the order is terminal.
	MarkFilled(id string, filledSize float64) error
	// MarkPartiallyFilled updates the cumulative filled size of a live order.
	MarkPartiallyFilled(id string, filledSize float64) error
	// MarkCancelled transitions an order to CANCELLED.
	MarkCancelled(id string) error

	// Close gracefully closes the underlying database.
	Close() error
}

// Convenience accessors shared by both implementations and callers.

// GetFloat reads a JSON-stored float64; missing keys return def.
func GetFloat(l Ledger, key string, def float64) float64 {
	var v float64
	if err := l.GetJSON(key, &v); err != nil {
		return def
	}
	return v
}

// GetInt reads a JSON-stored int; missing keys return def.
func GetInt(l Ledger, key string, def int) int {
	var v int
	if err := l.GetJSON(key, &v); err != nil {
		return def
	}
	return v
}

// GetBool reads a bool; missing keys return false.
func GetBool(l Ledger, key string) bool {
	var v bool
	if err := l.GetJSON(key, &v); err != nil {
		return false
	}
	return v
}
