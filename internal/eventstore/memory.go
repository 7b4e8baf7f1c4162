package eventstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process event store with the same semantics as Store.
// It backs package tests and local development without PostgreSQL.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
	byIdem map[string]int
}

// NewMemoryStore constructs MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byIdem: make(map[string]int)}
}

// Append mirrors Store.Append. The mutex is the serialization point that the
// unique constraint provides in PostgreSQL.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil {
		return AppendResult{}, errors.New("event store not initialised")
	}
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byIdem[in.TenantID+"\x00"+in.IdempotencyKey]; ok {
		return AppendResult{Event: s.events[idx], Replayed: true}, nil
	}

	current := s.currentVersionLocked(in.TenantID, in.AggregateType, in.AggregateID)
	if in.ExpectedVersion != nil && *in.ExpectedVersion != current {
		return AppendResult{}, ErrConcurrencyConflict
	}

	ev := Event{
		ID:               uuid.NewString(),
		TenantID:         in.TenantID,
		AggregateType:    in.AggregateType,
		AggregateID:      in.AggregateID,
		AggregateVersion: current + 1,
		EventType:        in.EventType,
		Payload:          append([]byte(nil), in.Payload...),
		Metadata:         in.Metadata,
		IdempotencyKey:   in.IdempotencyKey,
		CreatedAt:        time.Now().UTC(),
		CreatedBy:        in.CreatedBy,
	}
	s.events = append(s.events, ev)
	s.byIdem[in.TenantID+"\x00"+in.IdempotencyKey] = len(s.events) - 1
	return AppendResult{Event: ev}, nil
}

// GetEvents returns the ordered history of one aggregate after fromVersion.
func (s *MemoryStore) GetEvents(ctx context.Context, tenantID, aggregateType, aggregateID string, fromVersion int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.TenantID == tenantID && ev.AggregateType == aggregateType && ev.AggregateID == aggregateID && ev.AggregateVersion > fromVersion {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AggregateVersion < out[j].AggregateVersion })
	return out, nil
}

// GetCurrentVersion returns the highest stored version for an aggregate.
func (s *MemoryStore) GetCurrentVersion(ctx context.Context, tenantID, aggregateType, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentVersionLocked(tenantID, aggregateType, aggregateID), nil
}

// GetEventsByType returns a time-ordered page of one event kind.
func (s *MemoryStore) GetEventsByType(ctx context.Context, filter TypeFilter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.TenantID == filter.TenantID && ev.EventType == filter.EventType {
			out = append(out, ev)
		}
	}
	return paginate(out, filter.Page, filter.PerPage), nil
}

// GetEventStream returns a tenant-wide, time-ordered page of events.
func (s *MemoryStore) GetEventStream(ctx context.Context, filter StreamFilter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.TenantID == filter.TenantID {
			out = append(out, ev)
		}
	}
	return paginate(out, filter.Page, filter.PerPage), nil
}

// ListTenants returns every tenant with at least one stored event.
func (s *MemoryStore) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var tenants []string
	for _, ev := range s.events {
		if !seen[ev.TenantID] {
			seen[ev.TenantID] = true
			tenants = append(tenants, ev.TenantID)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (s *MemoryStore) currentVersionLocked(tenantID, aggregateType, aggregateID string) int64 {
	var max int64
	for _, ev := range s.events {
		if ev.TenantID == tenantID && ev.AggregateType == aggregateType && ev.AggregateID == aggregateID && ev.AggregateVersion > max {
			max = ev.AggregateVersion
		}
	}
	return max
}

func paginate(events []Event, page, perPage int) []Event {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= len(events) {
		return nil
	}
	end := start + perPage
	if end > len(events) {
		end = len(events)
	}
	out := make([]Event, end-start)
	copy(out, events[start:end])
	return out
}
