package inventory

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stockledger/stockledger/internal/eventstore"
	"github.com/stockledger/stockledger/internal/shared"
)

// memRepo is an in-process ProjectionRepository with the same conditional
// reserve semantics as the SQL repository.
type memRepo struct {
	mu     sync.Mutex
	rows   map[string]Projection
	levels map[string]float64
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[string]Projection), levels: make(map[string]float64)}
}

func rowKey(tenantID, itemID, warehouseID string) string {
	return tenantID + "/" + itemID + "/" + warehouseID
}

func (m *memRepo) Get(_ context.Context, tenantID, itemID, warehouseID string) (Projection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[rowKey(tenantID, itemID, warehouseID)]
	if !ok {
		return Projection{}, ErrProjectionNotFound
	}
	return row, nil
}

func (m *memRepo) Fold(_ context.Context, tenantID, itemID, warehouseID string, fn FoldFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rowKey(tenantID, itemID, warehouseID)
	row, found := m.rows[key]
	next, err := fn(row, found)
	if err != nil {
		return err
	}
	m.rows[key] = next
	return nil
}

func (m *memRepo) ApplyReserve(_ context.Context, tenantID, itemID, warehouseID string, qty float64) (bool, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rowKey(tenantID, itemID, warehouseID)
	row, ok := m.rows[key]
	if !ok || row.QuantityAvailable < qty {
		return false, row.QuantityAvailable, nil
	}
	row.QuantityReserved += qty
	row.QuantityAvailable -= qty
	row.Version++
	m.rows[key] = row
	return true, row.QuantityAvailable, nil
}

func (m *memRepo) ReleaseReserve(_ context.Context, tenantID, itemID, warehouseID string, qty float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rowKey(tenantID, itemID, warehouseID)
	row := m.rows[key]
	row.QuantityReserved -= qty
	row.QuantityAvailable += qty
	row.Version++
	m.rows[key] = row
	return nil
}

func (m *memRepo) SetLastMovement(_ context.Context, tenantID, itemID, warehouseID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rowKey(tenantID, itemID, warehouseID)
	row := m.rows[key]
	row.LastMovementAt = at
	m.rows[key] = row
	return nil
}

func (m *memRepo) Delete(_ context.Context, tenantID, itemID, warehouseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, rowKey(tenantID, itemID, warehouseID))
	return nil
}

func (m *memRepo) ListByWarehouse(_ context.Context, tenantID, warehouseID string) ([]Projection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Projection
	for _, row := range m.rows {
		if row.TenantID == tenantID && row.WarehouseID == warehouseID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memRepo) ListByTenant(_ context.Context, tenantID string) ([]Projection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Projection
	for _, row := range m.rows {
		if row.TenantID == tenantID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memRepo) ListLowStock(_ context.Context, tenantID string) ([]LowStockRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LowStockRow
	for key, row := range m.rows {
		level, ok := m.levels[key]
		if ok && row.TenantID == tenantID && row.QuantityAvailable <= level {
			out = append(out, LowStockRow{Projection: row, ReorderLevel: level})
		}
	}
	return out, nil
}

func (m *memRepo) DashboardStats(_ context.Context, tenantID string) (DashboardStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats DashboardStats
	for key, row := range m.rows {
		if row.TenantID != tenantID {
			continue
		}
		stats.SKUCount++
		stats.UnitsOnHand += row.QuantityOnHand
		stats.UnitsReserved += row.QuantityReserved
		stats.StockValue += row.TotalValue
		if level, ok := m.levels[key]; ok && row.QuantityAvailable <= level {
			stats.LowStockCount++
		}
	}
	return stats, nil
}

type memPolicies struct {
	policies map[string]ItemPolicy
}

func (m *memPolicies) GetItemPolicy(_ context.Context, tenantID, itemID string) (ItemPolicy, error) {
	policy, ok := m.policies[tenantID+"/"+itemID]
	if !ok {
		return ItemPolicy{}, shared.ErrNotFound
	}
	return policy, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (m *memAudit) Record(_ context.Context, log shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, log)
	return nil
}

type captureReorder struct {
	mu    sync.Mutex
	calls []string
}

func (c *captureReorder) CheckLowStock(_ context.Context, tenantID, itemID, warehouseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, rowKey(tenantID, itemID, warehouseID))
	return nil
}

type fixture struct {
	svc      *Service
	engine   *Engine
	repo     *memRepo
	store    *eventstore.MemoryStore
	policies *memPolicies
	audit    *memAudit
	reorder  *captureReorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := eventstore.NewMemoryStore()
	repo := newMemRepo()
	policies := &memPolicies{policies: make(map[string]ItemPolicy)}
	audit := &memAudit{}
	reorder := &captureReorder{}
	engine := NewEngine(repo, store, reorder, logger)
	svc := NewService(store, repo, engine, policies, audit, nil, logger, ServiceConfig{})
	return &fixture{svc: svc, engine: engine, repo: repo, store: store, policies: policies, audit: audit, reorder: reorder}
}

func testCtx() context.Context {
	return shared.ContextWithIdentity(context.Background(), shared.Identity{TenantID: "t1", UserID: "u1"})
}

func (f *fixture) projection(t *testing.T, itemID, warehouseID string) Projection {
	t.Helper()
	proj, err := f.repo.Get(context.Background(), "t1", itemID, warehouseID)
	if err != nil {
		t.Fatalf("projection %s/%s: %v", itemID, warehouseID, err)
	}
	return proj
}

func (f *fixture) receive(t *testing.T, itemID, warehouseID string, qty, unitCost float64, grn string) string {
	t.Helper()
	id, err := f.svc.ReceiveStock(testCtx(), ReceiveStockInput{
		ItemID:       itemID,
		WarehouseID:  warehouseID,
		Quantity:     qty,
		UnitCost:     unitCost,
		POID:         "po-1",
		POLineID:     "pol-" + grn,
		GRNNumber:    grn,
		ReceivedDate: "2026-09-01",
	})
	if err != nil {
		t.Fatalf("receive %s: %v", grn, err)
	}
	return id
}
