package eventstore

import (
	"encoding/json"
	"errors"
	"time"
)

// AggregateTypeInventory is the aggregate type used by the inventory core.
const AggregateTypeInventory = "inventory"

// Event is the immutable unit stored in the append-only log. Rows are never
// updated or deleted.
type Event struct {
	ID               string
	TenantID         string
	AggregateType    string
	AggregateID      string
	AggregateVersion int64
	EventType        string
	Payload          json.RawMessage
	Metadata         map[string]string
	IdempotencyKey   string
	CreatedAt        time.Time
	CreatedBy        string
}

// AppendInput describes a single append request.
type AppendInput struct {
	TenantID       string
	AggregateType  string
	AggregateID    string
	EventType      string
	Payload        json.RawMessage
	Metadata       map[string]string
	IdempotencyKey string
	// ExpectedVersion enables compare-and-swap appends. Nil skips the check.
	ExpectedVersion *int64
	CreatedBy       string
}

// AppendResult reports the outcome of an append.
type AppendResult struct {
	// Event is the stored row: the freshly written event, or the original one
	// when the idempotency key matched.
	Event Event
	// Replayed is true when the idempotency key matched a stored event and no
	// new row was written.
	Replayed bool
}

// TypeFilter selects events by type for audit and reporting reads.
type TypeFilter struct {
	TenantID  string
	EventType string
	Page      int
	PerPage   int
}

// StreamFilter selects a tenant-wide, time-ordered page of events.
type StreamFilter struct {
	TenantID string
	Page     int
	PerPage  int
}

// ErrConcurrencyConflict indicates an expected-version mismatch, or a version
// race that survived the bounded retries.
var ErrConcurrencyConflict = errors.New("eventstore: concurrency conflict")

func (in AppendInput) validate() error {
	switch {
	case in.TenantID == "":
		return errors.New("eventstore: tenant id required")
	case in.AggregateType == "":
		return errors.New("eventstore: aggregate type required")
	case in.AggregateID == "":
		return errors.New("eventstore: aggregate id required")
	case in.EventType == "":
		return errors.New("eventstore: event type required")
	}
	return nil
}
