package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stockledger/stockledger/internal/eventstore"
	"github.com/stockledger/stockledger/internal/observability"
	"github.com/stockledger/stockledger/internal/shared"
)

// EventTypeReader pages events of one kind, as the sweep needs.
type EventTypeReader interface {
	GetEventsByType(ctx context.Context, filter eventstore.TypeFilter) ([]eventstore.Event, error)
}

// OrphanTransfer is a transfer debited at the source with no matching credit
// past the grace period: stock in flight.
type OrphanTransfer struct {
	TransferID      string
	TenantID        string
	ItemID          string
	FromWarehouseID string
	ToWarehouseID   string
	Quantity        float64
	OutEventID      string
	DebitedAt       time.Time
}

// Reconciler detects transfers whose TransferIn never landed. It reports and
// alerts; it never auto-corrects the ledger.
type Reconciler struct {
	events  EventTypeReader
	audit   AuditPort
	metrics *observability.Metrics
	logger  *slog.Logger
	grace   time.Duration
}

// NewReconciler builds Reconciler. audit and metrics may be nil.
func NewReconciler(events EventTypeReader, audit AuditPort, metrics *observability.Metrics, logger *slog.Logger, grace time.Duration) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = 15 * time.Minute
	}
	return &Reconciler{events: events, audit: audit, metrics: metrics, logger: logger, grace: grace}
}

const sweepPageSize = 200

// FindOrphans returns the tenant's in-flight transfers older than the grace
// period, oldest first.
func (r *Reconciler) FindOrphans(ctx context.Context, tenantID string) ([]OrphanTransfer, error) {
	credited := make(map[string]bool)
	for page := 1; ; page++ {
		events, err := r.events.GetEventsByType(ctx, eventstore.TypeFilter{TenantID: tenantID, EventType: string(EventTransferIn), Page: page, PerPage: sweepPageSize})
		if err != nil {
			return nil, fmt.Errorf("inventory: sweep transfer-in page %d: %w", page, err)
		}
		for _, ev := range events {
			payload, err := DecodePayload(EventTransferIn, ev.Payload)
			if err != nil {
				return nil, err
			}
			credited[payload.(*TransferInPayload).TransferID] = true
		}
		if len(events) < sweepPageSize {
			break
		}
	}

	cutoff := time.Now().UTC().Add(-r.grace)
	var orphans []OrphanTransfer
	for page := 1; ; page++ {
		events, err := r.events.GetEventsByType(ctx, eventstore.TypeFilter{TenantID: tenantID, EventType: string(EventTransferOut), Page: page, PerPage: sweepPageSize})
		if err != nil {
			return nil, fmt.Errorf("inventory: sweep transfer-out page %d: %w", page, err)
		}
		for _, ev := range events {
			payload, err := DecodePayload(EventTransferOut, ev.Payload)
			if err != nil {
				return nil, err
			}
			out := payload.(*TransferOutPayload)
			if credited[out.TransferID] || ev.CreatedAt.After(cutoff) {
				continue
			}
			orphans = append(orphans, OrphanTransfer{
				TransferID:      out.TransferID,
				TenantID:        tenantID,
				ItemID:          out.ItemID,
				FromWarehouseID: out.WarehouseID,
				ToWarehouseID:   out.ToWarehouseID,
				Quantity:        out.Quantity,
				OutEventID:      ev.ID,
				DebitedAt:       ev.CreatedAt,
			})
		}
		if len(events) < sweepPageSize {
			break
		}
	}
	return orphans, nil
}

// Sweep reports every orphan it finds and returns them for the caller.
func (r *Reconciler) Sweep(ctx context.Context, tenantID string) ([]OrphanTransfer, error) {
	orphans, err := r.FindOrphans(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	r.metrics.SetOrphanTransfers(len(orphans))
	for _, orphan := range orphans {
		r.logger.Error("transfer in flight: debited without matching credit",
			slog.String("tenant_id", orphan.TenantID),
			slog.String("transfer_id", orphan.TransferID),
			slog.String("item_id", orphan.ItemID),
			slog.String("from_warehouse_id", orphan.FromWarehouseID),
			slog.String("to_warehouse_id", orphan.ToWarehouseID),
			slog.Float64("quantity", orphan.Quantity),
			slog.Time("debited_at", orphan.DebitedAt),
		)
		if r.audit != nil {
			_ = r.audit.Record(ctx, shared.AuditLog{
				TenantID: orphan.TenantID,
				ActorID:  "system",
				Action:   "inventory:transfer_orphan",
				Entity:   "transfer",
				EntityID: orphan.TransferID,
				Meta: map[string]any{
					"item_id":           orphan.ItemID,
					"from_warehouse_id": orphan.FromWarehouseID,
					"to_warehouse_id":   orphan.ToWarehouseID,
					"quantity":          orphan.Quantity,
					"out_event_id":      orphan.OutEventID,
				},
			})
		}
	}
	return orphans, nil
}
