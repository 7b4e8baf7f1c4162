package inventory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stockledger/stockledger/internal/eventstore"
)

// fakeTypeReader serves crafted events so tests control CreatedAt.
type fakeTypeReader struct {
	events []eventstore.Event
}

func (f *fakeTypeReader) GetEventsByType(_ context.Context, filter eventstore.TypeFilter) ([]eventstore.Event, error) {
	var matched []eventstore.Event
	for _, ev := range f.events {
		if ev.TenantID == filter.TenantID && ev.EventType == filter.EventType {
			matched = append(matched, ev)
		}
	}
	start := (filter.Page - 1) * filter.PerPage
	if start >= len(matched) {
		return nil, nil
	}
	end := start + filter.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func transferOutEvent(t *testing.T, id, transferID string, at time.Time) eventstore.Event {
	t.Helper()
	raw, err := MarshalPayload(EventTransferOut, TransferOutPayload{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 5, TransferID: transferID, ToWarehouseID: "wh-2", UnitCost: 8,
	})
	require.NoError(t, err)
	return eventstore.Event{
		ID: id, TenantID: "t1", AggregateType: eventstore.AggregateTypeInventory,
		AggregateID: AggregateID("item-1", "wh-1"), EventType: string(EventTransferOut),
		Payload: raw, CreatedAt: at,
	}
}

func transferInEvent(t *testing.T, id, transferID string, at time.Time) eventstore.Event {
	t.Helper()
	raw, err := MarshalPayload(EventTransferIn, TransferInPayload{
		ItemID: "item-1", WarehouseID: "wh-2", Quantity: 5, TransferID: transferID, FromWarehouseID: "wh-1", UnitCost: 8,
	})
	require.NoError(t, err)
	return eventstore.Event{
		ID: id, TenantID: "t1", AggregateType: eventstore.AggregateTypeInventory,
		AggregateID: AggregateID("item-1", "wh-2"), EventType: string(EventTransferIn),
		Payload: raw, CreatedAt: at,
	}
}

func newTestReconciler(reader EventTypeReader, audit AuditPort) *Reconciler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewReconciler(reader, audit, nil, logger, 15*time.Minute)
}

func TestFindOrphansFlagsMissingCredit(t *testing.T) {
	old := time.Now().UTC().Add(-time.Hour)
	reader := &fakeTypeReader{events: []eventstore.Event{
		transferOutEvent(t, "ev-1", "tr-orphan", old),
		transferOutEvent(t, "ev-2", "tr-complete", old),
		transferInEvent(t, "ev-3", "tr-complete", old.Add(time.Minute)),
	}}
	rec := newTestReconciler(reader, nil)

	orphans, err := rec.FindOrphans(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "tr-orphan", orphans[0].TransferID)
	require.Equal(t, "ev-1", orphans[0].OutEventID)
	require.Equal(t, "wh-1", orphans[0].FromWarehouseID)
	require.Equal(t, "wh-2", orphans[0].ToWarehouseID)
	require.Equal(t, float64(5), orphans[0].Quantity)
}

func TestFindOrphansHonoursGracePeriod(t *testing.T) {
	reader := &fakeTypeReader{events: []eventstore.Event{
		transferOutEvent(t, "ev-1", "tr-fresh", time.Now().UTC()),
	}}
	rec := newTestReconciler(reader, nil)

	orphans, err := rec.FindOrphans(context.Background(), "t1")
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestFindOrphansIgnoresOtherTenants(t *testing.T) {
	ev := transferOutEvent(t, "ev-1", "tr-other", time.Now().UTC().Add(-time.Hour))
	ev.TenantID = "t2"
	rec := newTestReconciler(&fakeTypeReader{events: []eventstore.Event{ev}}, nil)

	orphans, err := rec.FindOrphans(context.Background(), "t1")
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestFindOrphansPagesFullHistory(t *testing.T) {
	old := time.Now().UTC().Add(-time.Hour)
	reader := &fakeTypeReader{}
	for i := 0; i < sweepPageSize+50; i++ {
		reader.events = append(reader.events, transferOutEvent(t, fmt.Sprintf("ev-%d", i), fmt.Sprintf("tr-%d", i), old))
	}
	rec := newTestReconciler(reader, nil)

	orphans, err := rec.FindOrphans(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, orphans, sweepPageSize+50)
}

func TestSweepRecordsAudit(t *testing.T) {
	old := time.Now().UTC().Add(-time.Hour)
	reader := &fakeTypeReader{events: []eventstore.Event{
		transferOutEvent(t, "ev-1", "tr-orphan", old),
	}}
	audit := &memAudit{}
	rec := newTestReconciler(reader, audit)

	orphans, err := rec.Sweep(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	require.Equal(t, "inventory:transfer_orphan", entry.Action)
	require.Equal(t, "system", entry.ActorID)
	require.Equal(t, "tr-orphan", entry.EntityID)
	require.Equal(t, "ev-1", entry.Meta["out_event_id"])
}

func TestSweepNeverMutatesTheLedger(t *testing.T) {
	// the sweep runs against a real store and must leave it untouched
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 20, 8, "grn-1")
	_, err := f.svc.TransferStock(testCtx(), TransferStockInput{
		ItemID: "item-1", FromWarehouseID: "wh-1", ToWarehouseID: "wh-2", Quantity: 5, TransferID: "tr-1",
	})
	require.NoError(t, err)

	rec := NewReconciler(f.store, f.audit, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute)
	orphans, err := rec.Sweep(context.Background(), "t1")
	require.NoError(t, err)
	require.Empty(t, orphans)

	version, err := f.store.GetCurrentVersion(context.Background(), "t1", eventstore.AggregateTypeInventory, AggregateID("item-1", "wh-1"))
	require.NoError(t, err)
	require.Equal(t, int64(2), version)
}
