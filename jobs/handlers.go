package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/stockledger/stockledger/internal/inventory"
	jobmetrics "github.com/stockledger/stockledger/internal/jobs"
)

// Sweeper runs the transfer reconciliation for one tenant.
type Sweeper interface {
	Sweep(ctx context.Context, tenantID string) ([]inventory.OrphanTransfer, error)
}

// Rebuilder refolds one aggregate's projection from its event history.
type Rebuilder interface {
	RebuildProjection(ctx context.Context, tenantID, itemID, warehouseID string) error
}

// TenantSource lists tenants present in the event log.
type TenantSource interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// NewReconcileHandler builds the handler for TaskTransferReconcile.
func NewReconcileHandler(sweeper Sweeper, tenants TenantSource, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload TransferReconcilePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track(TaskTransferReconcile)

		scope := []string{payload.TenantID}
		if payload.TenantID == "" {
			var err error
			scope, err = tenants.ListTenants(ctx)
			if err != nil {
				return tracker.End(fmt.Errorf("jobs: list tenants: %w", err))
			}
		}
		for _, tenant := range scope {
			orphans, err := sweeper.Sweep(ctx, tenant)
			if err != nil {
				return tracker.End(fmt.Errorf("jobs: sweep tenant %s: %w", tenant, err))
			}
			metrics.AddOrphans(tenant, len(orphans))
			logger.Info("transfer sweep complete",
				slog.String("tenant_id", tenant),
				slog.Int("orphans", len(orphans)),
			)
		}
		return tracker.End(nil)
	}
}

// NewRebuildHandler builds the handler for TaskProjectionRebuild.
func NewRebuildHandler(rebuilder Rebuilder, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ProjectionRebuildPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.TenantID == "" || payload.ItemID == "" || payload.WarehouseID == "" {
			return asynq.SkipRetry
		}
		tracker := metrics.Track(TaskProjectionRebuild)
		err := rebuilder.RebuildProjection(ctx, payload.TenantID, payload.ItemID, payload.WarehouseID)
		if err != nil {
			return tracker.End(fmt.Errorf("jobs: rebuild %s/%s/%s: %w", payload.TenantID, payload.ItemID, payload.WarehouseID, err))
		}
		logger.Info("projection rebuilt",
			slog.String("tenant_id", payload.TenantID),
			slog.String("item_id", payload.ItemID),
			slog.String("warehouse_id", payload.WarehouseID),
		)
		return tracker.End(nil)
	}
}
