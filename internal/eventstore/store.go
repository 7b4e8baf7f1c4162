package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockledger/stockledger/internal/shared"
)

const eventColumns = `id, tenant_id, aggregate_type, aggregate_id, aggregate_version, event_type, payload, metadata, idempotency_key, created_at, created_by`

// Store persists events in PostgreSQL. The version sequence per aggregate is
// protected by the unique key on (tenant_id, aggregate_type, aggregate_id,
// aggregate_version): a racing writer loses the insert and the append is
// retried with a freshly computed version.
type Store struct {
	pool       *pgxpool.Pool
	retryLimit int
	backoff    time.Duration
}

// StoreConfig groups optional settings.
type StoreConfig struct {
	RetryLimit int
	Backoff    time.Duration
}

// NewStore constructs Store.
func NewStore(pool *pgxpool.Pool, cfg StoreConfig) *Store {
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 25 * time.Millisecond
	}
	return &Store{pool: pool, retryLimit: cfg.RetryLimit, backoff: cfg.Backoff}
}

// errVersionRace signals that a concurrent writer claimed the computed
// version between the read and the insert.
var errVersionRace = errors.New("eventstore: version race")

// Append writes one event. A duplicate idempotency key for the tenant returns
// the stored event without writing. An ExpectedVersion mismatch fails with
// ErrConcurrencyConflict and writes nothing.
func (s *Store) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil {
		return AppendResult{}, errors.New("event store not initialised")
	}
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.NewString()
	}
	for attempt := 0; attempt < s.retryLimit; attempt++ {
		res, err := s.tryAppend(ctx, in)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, errVersionRace) {
			return AppendResult{}, err
		}
		// Caller pinned a version; a race means the expectation is stale.
		if in.ExpectedVersion != nil {
			return AppendResult{}, ErrConcurrencyConflict
		}
		select {
		case <-ctx.Done():
			return AppendResult{}, ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt+1)):
		}
	}
	return AppendResult{}, ErrConcurrencyConflict
}

func (s *Store) tryAppend(ctx context.Context, in AppendInput) (AppendResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return AppendResult{}, fmt.Errorf("eventstore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := scanEvent(tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE tenant_id=$1 AND idempotency_key=$2`,
		in.TenantID, in.IdempotencyKey))
	if err == nil {
		return AppendResult{Event: existing, Replayed: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, fmt.Errorf("eventstore: idempotency lookup: %w", err)
	}

	var current int64
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE tenant_id=$1 AND aggregate_type=$2 AND aggregate_id=$3`,
		in.TenantID, in.AggregateType, in.AggregateID).Scan(&current)
	if err != nil {
		return AppendResult{}, fmt.Errorf("eventstore: read version: %w", err)
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != current {
		return AppendResult{}, ErrConcurrencyConflict
	}

	metaJSON, err := json.Marshal(in.Metadata)
	if err != nil {
		return AppendResult{}, fmt.Errorf("eventstore: marshal metadata: %w", err)
	}
	payload := in.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	ev := Event{
		ID:               uuid.NewString(),
		TenantID:         in.TenantID,
		AggregateType:    in.AggregateType,
		AggregateID:      in.AggregateID,
		AggregateVersion: current + 1,
		EventType:        in.EventType,
		Payload:          payload,
		Metadata:         in.Metadata,
		IdempotencyKey:   in.IdempotencyKey,
		CreatedAt:        time.Now().UTC(),
		CreatedBy:        in.CreatedBy,
	}
	_, err = tx.Exec(ctx, `INSERT INTO events (`+eventColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.ID, ev.TenantID, ev.AggregateType, ev.AggregateID, ev.AggregateVersion, ev.EventType, []byte(ev.Payload), metaJSON, ev.IdempotencyKey, ev.CreatedAt, ev.CreatedBy)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if strings.Contains(constraint, "idempotency") {
				// Two retries of the same logical command raced; the winner's
				// row is the result for both.
				return s.readByIdempotencyKey(ctx, in.TenantID, in.IdempotencyKey)
			}
			return AppendResult{}, errVersionRace
		}
		return AppendResult{}, fmt.Errorf("eventstore: insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, fmt.Errorf("eventstore: commit: %w", err)
	}
	return AppendResult{Event: ev}, nil
}

func (s *Store) readByIdempotencyKey(ctx context.Context, tenantID, key string) (AppendResult, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE tenant_id=$1 AND idempotency_key=$2`, tenantID, key))
	if err != nil {
		return AppendResult{}, fmt.Errorf("eventstore: reread idempotent event: %w", err)
	}
	return AppendResult{Event: ev, Replayed: true}, nil
}

// GetEvents returns the ordered history of one aggregate, strictly after
// fromVersion.
func (s *Store) GetEvents(ctx context.Context, tenantID, aggregateType, aggregateID string, fromVersion int64) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+`
FROM events
WHERE tenant_id=$1 AND aggregate_type=$2 AND aggregate_id=$3 AND aggregate_version > $4
ORDER BY aggregate_version ASC`, tenantID, aggregateType, aggregateID, fromVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetCurrentVersion returns the highest stored version for an aggregate, zero
// when the aggregate has no events.
func (s *Store) GetCurrentVersion(ctx context.Context, tenantID, aggregateType, aggregateID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE tenant_id=$1 AND aggregate_type=$2 AND aggregate_id=$3`,
		tenantID, aggregateType, aggregateID).Scan(&version)
	return version, err
}

// GetEventsByType returns a time-ordered page of a tenant's events of one
// kind. Used by audit views and the transfer reconciliation sweep.
func (s *Store) GetEventsByType(ctx context.Context, filter TypeFilter) ([]Event, error) {
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+`
FROM events
WHERE tenant_id=$1 AND event_type=$2
ORDER BY created_at ASC, id ASC
LIMIT $3 OFFSET $4`, filter.TenantID, filter.EventType, page.PerPage, page.Offset())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventStream returns a tenant-wide, time-ordered page of events.
func (s *Store) GetEventStream(ctx context.Context, filter StreamFilter) ([]Event, error) {
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+`
FROM events
WHERE tenant_id=$1
ORDER BY created_at ASC, id ASC
LIMIT $2 OFFSET $3`, filter.TenantID, page.PerPage, page.Offset())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListTenants returns every tenant with at least one stored event. Sweeps use
// it to cover the whole deployment.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM events ORDER BY tenant_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tenants, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	var metaJSON []byte
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.AggregateType, &ev.AggregateID, &ev.AggregateVersion, &ev.EventType, &ev.Payload, &metaJSON, &ev.IdempotencyKey, &ev.CreatedAt, &ev.CreatedBy)
	if err != nil {
		return Event{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
			return Event{}, fmt.Errorf("eventstore: decode metadata: %w", err)
		}
	}
	return ev, nil
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}
