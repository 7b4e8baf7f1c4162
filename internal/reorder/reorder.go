// Package reorder implements the low-stock collaborator invoked by the
// projection engine after each mutation.
package reorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stockledger/stockledger/internal/inventory"
	"github.com/stockledger/stockledger/internal/observability"
	"github.com/stockledger/stockledger/internal/shared"
)

// Level is the configured reorder threshold for one item/warehouse pair.
type Level struct {
	TenantID    string
	ItemID      string
	WarehouseID string
	Quantity    float64
}

// Alert is pushed onto the tenant's alert list when available stock falls to
// or below the reorder level.
type Alert struct {
	TenantID     string    `json:"tenantId"`
	ItemID       string    `json:"itemId"`
	WarehouseID  string    `json:"warehouseId"`
	Available    float64   `json:"available"`
	ReorderLevel float64   `json:"reorderLevel"`
	RaisedAt     time.Time `json:"raisedAt"`
}

// Repository persists reorder levels in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SetLevel upserts a threshold.
func (r *Repository) SetLevel(ctx context.Context, level Level) error {
	if level.TenantID == "" || level.ItemID == "" || level.WarehouseID == "" {
		return errors.New("reorder: tenant, item and warehouse required")
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO reorder_levels (tenant_id, item_id, warehouse_id, reorder_level, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (tenant_id, item_id, warehouse_id) DO UPDATE SET reorder_level=EXCLUDED.reorder_level, updated_at=NOW()`,
		level.TenantID, level.ItemID, level.WarehouseID, level.Quantity)
	return err
}

// GetLevel reads a threshold; shared.ErrNotFound when none is configured.
func (r *Repository) GetLevel(ctx context.Context, tenantID, itemID, warehouseID string) (float64, error) {
	var qty float64
	err := r.pool.QueryRow(ctx, `SELECT reorder_level FROM reorder_levels WHERE tenant_id=$1 AND item_id=$2 AND warehouse_id=$3`,
		tenantID, itemID, warehouseID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, shared.ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

// LevelSource supplies thresholds.
type LevelSource interface {
	GetLevel(ctx context.Context, tenantID, itemID, warehouseID string) (float64, error)
}

// StockSource supplies current snapshot rows.
type StockSource interface {
	Get(ctx context.Context, tenantID, itemID, warehouseID string) (inventory.Projection, error)
}

// noLevel marks a cached "no threshold configured" answer.
const noLevel = float64(-1)

// Notifier checks stock against reorder levels and publishes alerts. Level
// lookups are cached in Redis to keep the per-mutation overhead small.
type Notifier struct {
	levels  LevelSource
	stock   StockSource
	client  *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewNotifier builds Notifier. client and metrics may be nil.
func NewNotifier(levels LevelSource, stock StockSource, client *redis.Client, ttl time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Notifier{levels: levels, stock: stock, client: client, ttl: ttl, metrics: metrics, logger: logger}
}

// CheckLowStock compares available stock against the configured level and
// publishes an alert on breach.
func (n *Notifier) CheckLowStock(ctx context.Context, tenantID, itemID, warehouseID string) error {
	level, err := n.level(ctx, tenantID, itemID, warehouseID)
	if err != nil {
		return err
	}
	if level <= 0 {
		return nil
	}
	proj, err := n.stock.Get(ctx, tenantID, itemID, warehouseID)
	if err != nil {
		if errors.Is(err, inventory.ErrProjectionNotFound) {
			return nil
		}
		return err
	}
	if proj.QuantityAvailable > level {
		return nil
	}
	return n.publish(ctx, Alert{
		TenantID:     tenantID,
		ItemID:       itemID,
		WarehouseID:  warehouseID,
		Available:    proj.QuantityAvailable,
		ReorderLevel: level,
		RaisedAt:     time.Now().UTC(),
	})
}

func (n *Notifier) level(ctx context.Context, tenantID, itemID, warehouseID string) (float64, error) {
	key := cacheKey(tenantID, itemID, warehouseID)
	if n.client != nil {
		if cached, err := n.client.Get(ctx, key).Result(); err == nil {
			return strconv.ParseFloat(cached, 64)
		}
	}
	level, err := n.levels.GetLevel(ctx, tenantID, itemID, warehouseID)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			return 0, err
		}
		level = noLevel
	}
	if n.client != nil {
		if err := n.client.Set(ctx, key, strconv.FormatFloat(level, 'f', -1, 64), n.ttl).Err(); err != nil {
			n.logger.Warn("cache reorder level", slog.Any("error", err))
		}
	}
	return level, nil
}

func (n *Notifier) publish(ctx context.Context, alert Alert) error {
	n.metrics.IncLowStockAlert()
	n.logger.Info("low stock",
		slog.String("tenant_id", alert.TenantID),
		slog.String("item_id", alert.ItemID),
		slog.String("warehouse_id", alert.WarehouseID),
		slog.Float64("available", alert.Available),
		slog.Float64("reorder_level", alert.ReorderLevel),
	)
	if n.client == nil {
		return nil
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("reorder: marshal alert: %w", err)
	}
	return n.client.LPush(ctx, AlertListKey(alert.TenantID), body).Err()
}

// AlertListKey names the tenant's Redis alert list.
func AlertListKey(tenantID string) string {
	return fmt.Sprintf("reorder:alerts:%s", tenantID)
}

func cacheKey(tenantID, itemID, warehouseID string) string {
	return fmt.Sprintf("reorder:level:%s:%s:%s", tenantID, itemID, warehouseID)
}
