package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockledger/stockledger/internal/platform/db"
	"github.com/stockledger/stockledger/internal/shared"
)

// Repository persists projection rows in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const projectionColumns = `tenant_id, item_id, warehouse_id, qty_on_hand, qty_reserved, qty_available, avg_cost, total_value, last_movement_at, version`

// Get returns one snapshot row.
func (r *Repository) Get(ctx context.Context, tenantID, itemID, warehouseID string) (Projection, error) {
	if r == nil {
		return Projection{}, errors.New("inventory repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+projectionColumns+` FROM inventory_projections WHERE tenant_id=$1 AND item_id=$2 AND warehouse_id=$3`,
		tenantID, itemID, warehouseID)
	proj, err := scanProjection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Projection{}, ErrProjectionNotFound
		}
		return Projection{}, err
	}
	return proj, nil
}

// Fold applies fn to the row under a repeatable-read transaction with a row
// lock, then upserts the result.
func (r *Repository) Fold(ctx context.Context, tenantID, itemID, warehouseID string, fn FoldFunc) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+projectionColumns+` FROM inventory_projections WHERE tenant_id=$1 AND item_id=$2 AND warehouse_id=$3 FOR UPDATE`,
			tenantID, itemID, warehouseID)
		proj, err := scanProjection(row)
		found := true
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			found = false
		}

		next, err := fn(proj, found)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `INSERT INTO inventory_projections (`+projectionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (tenant_id, item_id, warehouse_id) DO UPDATE SET
  qty_on_hand=EXCLUDED.qty_on_hand,
  qty_reserved=EXCLUDED.qty_reserved,
  qty_available=EXCLUDED.qty_available,
  avg_cost=EXCLUDED.avg_cost,
  total_value=EXCLUDED.total_value,
  last_movement_at=EXCLUDED.last_movement_at,
  version=EXCLUDED.version`,
			tenantID, itemID, warehouseID, next.QuantityOnHand, next.QuantityReserved, next.QuantityAvailable,
			next.AverageCost, next.TotalValue, next.LastMovementAt, next.Version)
		return err
	})
}

// ApplyReserve is the authoritative hold: a single conditional update that
// refuses when available stock is short.
func (r *Repository) ApplyReserve(ctx context.Context, tenantID, itemID, warehouseID string, qty float64) (bool, float64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE inventory_projections
SET qty_reserved = qty_reserved + $4,
    qty_available = qty_available - $4,
    version = version + 1
WHERE tenant_id=$1 AND item_id=$2 AND warehouse_id=$3 AND qty_available >= $4`,
		tenantID, itemID, warehouseID, qty)
	if err != nil {
		return false, 0, err
	}
	if tag.RowsAffected() > 0 {
		return true, 0, nil
	}
	var available float64
	err = r.pool.QueryRow(ctx, `SELECT qty_available FROM inventory_projections WHERE tenant_id=$1 AND item_id=$2 AND warehouse_id=$3`,
		tenantID, itemID, warehouseID).Scan(&available)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, 0, err
	}
	return false, available, nil
}

// ReleaseReserve reverses a hold.
func (r *Repository) ReleaseReserve(ctx context.Context, tenantID, itemID, warehouseID string, qty float64) error {
	_, err := r.pool.Exec(ctx, `UPDATE inventory_projections
SET qty_reserved = qty_reserved - $4,
    qty_available = qty_available + $4,
    version = version + 1
WHERE tenant_id=$1 AND item_id=$2 AND warehouse_id=$3`,
		tenantID, itemID, warehouseID, qty)
	return err
}

// SetLastMovement stamps the movement time after an out-of-band hold.
func (r *Repository) SetLastMovement(ctx context.Context, tenantID, itemID, warehouseID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE inventory_projections SET last_movement_at=$4 WHERE tenant_id=$1 AND item_id=$2 AND warehouse_id=$3`,
		tenantID, itemID, warehouseID, at)
	return err
}

// Delete drops one snapshot row ahead of a rebuild.
func (r *Repository) Delete(ctx context.Context, tenantID, itemID, warehouseID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM inventory_projections WHERE tenant_id=$1 AND item_id=$2 AND warehouse_id=$3`,
		tenantID, itemID, warehouseID)
	return err
}

// ListByWarehouse lists a warehouse's rows.
func (r *Repository) ListByWarehouse(ctx context.Context, tenantID, warehouseID string) ([]Projection, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+projectionColumns+` FROM inventory_projections WHERE tenant_id=$1 AND warehouse_id=$2 ORDER BY item_id ASC`,
		tenantID, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProjections(rows)
}

// ListByTenant lists every row for a tenant.
func (r *Repository) ListByTenant(ctx context.Context, tenantID string) ([]Projection, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+projectionColumns+` FROM inventory_projections WHERE tenant_id=$1 ORDER BY warehouse_id ASC, item_id ASC`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProjections(rows)
}

// ListLowStock joins snapshots against their configured reorder levels.
func (r *Repository) ListLowStock(ctx context.Context, tenantID string) ([]LowStockRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.tenant_id, p.item_id, p.warehouse_id, p.qty_on_hand, p.qty_reserved, p.qty_available, p.avg_cost, p.total_value, p.last_movement_at, p.version, l.reorder_level
FROM inventory_projections p
JOIN reorder_levels l ON l.tenant_id=p.tenant_id AND l.item_id=p.item_id AND l.warehouse_id=p.warehouse_id
WHERE p.tenant_id=$1 AND p.qty_available <= l.reorder_level
ORDER BY p.warehouse_id ASC, p.item_id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LowStockRow
	for rows.Next() {
		var item LowStockRow
		p := &item.Projection
		if err := rows.Scan(&p.TenantID, &p.ItemID, &p.WarehouseID, &p.QuantityOnHand, &p.QuantityReserved, &p.QuantityAvailable, &p.AverageCost, &p.TotalValue, &p.LastMovementAt, &p.Version, &item.ReorderLevel); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DashboardStats aggregates the tenant's stock position.
func (r *Repository) DashboardStats(ctx context.Context, tenantID string) (DashboardStats, error) {
	var stats DashboardStats
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*),
  COALESCE(SUM(qty_on_hand), 0),
  COALESCE(SUM(qty_reserved), 0),
  COALESCE(SUM(total_value), 0)
FROM inventory_projections WHERE tenant_id=$1`, tenantID).
		Scan(&stats.SKUCount, &stats.UnitsOnHand, &stats.UnitsReserved, &stats.StockValue)
	if err != nil {
		return DashboardStats{}, err
	}
	err = r.pool.QueryRow(ctx, `SELECT COUNT(*)
FROM inventory_projections p
JOIN reorder_levels l ON l.tenant_id=p.tenant_id AND l.item_id=p.item_id AND l.warehouse_id=p.warehouse_id
WHERE p.tenant_id=$1 AND p.qty_available <= l.reorder_level`, tenantID).Scan(&stats.LowStockCount)
	if err != nil {
		return DashboardStats{}, err
	}
	return stats, nil
}

// GetItemPolicy reads item settings; shared.ErrNotFound for unknown items.
func (r *Repository) GetItemPolicy(ctx context.Context, tenantID, itemID string) (ItemPolicy, error) {
	var policy ItemPolicy
	err := r.pool.QueryRow(ctx, `SELECT item_id, valuation_method, allow_negative_stock, active FROM items WHERE tenant_id=$1 AND item_id=$2`,
		tenantID, itemID).Scan(&policy.ItemID, &policy.ValuationMethod, &policy.AllowNegativeStock, &policy.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ItemPolicy{}, shared.ErrNotFound
		}
		return ItemPolicy{}, err
	}
	return policy, nil
}

func scanProjection(row pgx.Row) (Projection, error) {
	var p Projection
	err := row.Scan(&p.TenantID, &p.ItemID, &p.WarehouseID, &p.QuantityOnHand, &p.QuantityReserved, &p.QuantityAvailable, &p.AverageCost, &p.TotalValue, &p.LastMovementAt, &p.Version)
	if err != nil {
		return Projection{}, err
	}
	return p, nil
}

func scanProjections(rows pgx.Rows) ([]Projection, error) {
	var out []Projection
	for rows.Next() {
		p, err := scanProjection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
