package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stockledger/stockledger/internal/eventstore"
	"github.com/stockledger/stockledger/internal/shared"
)

func TestReceiveStockFirstReceipt(t *testing.T) {
	f := newFixture(t)

	f.receive(t, "item-1", "wh-1", 100, 10, "grn-1")

	proj := f.projection(t, "item-1", "wh-1")
	require.Equal(t, float64(100), proj.QuantityOnHand)
	require.Equal(t, float64(0), proj.QuantityReserved)
	require.Equal(t, float64(100), proj.QuantityAvailable)
	require.Equal(t, float64(10), proj.AverageCost)
	require.Equal(t, float64(1000), proj.TotalValue)
	require.Equal(t, int64(1), proj.Version)
	require.False(t, proj.LastMovementAt.IsZero())
}

func TestReceiveStockWeightedAverage(t *testing.T) {
	f := newFixture(t)

	f.receive(t, "item-1", "wh-1", 10, 5, "grn-1")
	f.receive(t, "item-1", "wh-1", 10, 7, "grn-2")

	proj := f.projection(t, "item-1", "wh-1")
	require.Equal(t, float64(20), proj.QuantityOnHand)
	require.Equal(t, 6.0, proj.AverageCost)
	require.Equal(t, 120.0, proj.TotalValue)
}

func TestReceiveStockIdempotentReplay(t *testing.T) {
	f := newFixture(t)

	first := f.receive(t, "item-1", "wh-1", 100, 10, "grn-1")
	again := f.receive(t, "item-1", "wh-1", 100, 10, "grn-1")

	require.Equal(t, first, again)
	proj := f.projection(t, "item-1", "wh-1")
	require.Equal(t, float64(100), proj.QuantityOnHand)

	version, err := f.store.GetCurrentVersion(context.Background(), "t1", eventstore.AggregateTypeInventory, AggregateID("item-1", "wh-1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
}

func TestReceiveStockRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ReceiveStock(testCtx(), ReceiveStockInput{
		ItemID:      "item-1",
		WarehouseID: "wh-1",
		Quantity:    -5,
		POID:        "po-1", POLineID: "pol-1", GRNNumber: "grn-1", ReceivedDate: "2026-09-01",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "quantity", verr.Field)
}

func TestTenantRequired(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ReceiveStock(context.Background(), ReceiveStockInput{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 1, UnitCost: 1,
		POID: "po-1", POLineID: "pol-1", GRNNumber: "grn-1", ReceivedDate: "2026-09-01",
	})
	require.ErrorIs(t, err, shared.ErrTenantRequired)
}

func TestReserveStockHoldsAvailable(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 100, 10, "grn-1")

	_, err := f.svc.ReserveStock(testCtx(), ReserveStockInput{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 30, SOID: "so-1", SOLineID: "sol-1",
	})
	require.NoError(t, err)

	proj := f.projection(t, "item-1", "wh-1")
	require.Equal(t, float64(100), proj.QuantityOnHand)
	require.Equal(t, float64(30), proj.QuantityReserved)
	require.Equal(t, float64(70), proj.QuantityAvailable)
}

func TestReserveStockInsufficientLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 10, 10, "grn-1")

	_, err := f.svc.ReserveStock(testCtx(), ReserveStockInput{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 30, SOID: "so-1", SOLineID: "sol-1",
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, float64(30), insufficient.Requested)
	require.Equal(t, float64(10), insufficient.Available)

	// no event was appended and the projection is untouched
	version, err := f.store.GetCurrentVersion(context.Background(), "t1", eventstore.AggregateTypeInventory, AggregateID("item-1", "wh-1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
	proj := f.projection(t, "item-1", "wh-1")
	require.Equal(t, float64(0), proj.QuantityReserved)
	require.Equal(t, float64(10), proj.QuantityAvailable)
}

func TestReserveStockDuplicateReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 100, 10, "grn-1")

	in := ReserveStockInput{ItemID: "item-1", WarehouseID: "wh-1", Quantity: 30, SOID: "so-1", SOLineID: "sol-1"}
	first, err := f.svc.ReserveStock(testCtx(), in)
	require.NoError(t, err)
	again, err := f.svc.ReserveStock(testCtx(), in)
	require.NoError(t, err)
	require.Equal(t, first, again)

	proj := f.projection(t, "item-1", "wh-1")
	require.Equal(t, float64(30), proj.QuantityReserved)
	require.Equal(t, float64(70), proj.QuantityAvailable)
}

func TestShipStockRequiresReservation(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 100, 10, "grn-1")

	_, err := f.svc.ShipStock(testCtx(), ShipStockInput{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 30,
		SOID: "so-1", SOLineID: "sol-1", ShipmentID: "shp-1", ShippedDate: "2026-09-01",
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, float64(0), insufficient.Available)
}

func TestLifecycleReceiveReserveShipAdjust(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx()

	f.receive(t, "item-1", "wh-1", 100, 10, "grn-1")

	_, err := f.svc.ReserveStock(ctx, ReserveStockInput{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 30, SOID: "so-1", SOLineID: "sol-1",
	})
	require.NoError(t, err)

	_, err = f.svc.ShipStock(ctx, ShipStockInput{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 30,
		SOID: "so-1", SOLineID: "sol-1", ShipmentID: "shp-1", ShippedDate: "2026-09-01",
	})
	require.NoError(t, err)

	_, err = f.svc.AdjustStock(ctx, AdjustStockInput{
		ItemID: "item-1", WarehouseID: "wh-1", QuantityChange: -5, Reason: "cycle count", Reference: "cc-1",
	})
	require.NoError(t, err)

	proj := f.projection(t, "item-1", "wh-1")
	require.Equal(t, float64(65), proj.QuantityOnHand)
	require.Equal(t, float64(0), proj.QuantityReserved)
	require.Equal(t, float64(65), proj.QuantityAvailable)
	require.Equal(t, float64(10), proj.AverageCost)
	require.Equal(t, float64(650), proj.TotalValue)
}

func TestAdjustStockNegativeGuard(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 10, 10, "grn-1")

	_, err := f.svc.AdjustStock(testCtx(), AdjustStockInput{
		ItemID: "item-1", WarehouseID: "wh-1", QuantityChange: -15, Reason: "shrinkage",
	})
	require.ErrorIs(t, err, ErrNegativeStock)

	// the same adjustment passes once the item policy allows negative stock
	f.policies.policies["t1/item-1"] = ItemPolicy{ItemID: "item-1", ValuationMethod: "weighted_average", AllowNegativeStock: true, Active: true}
	_, err = f.svc.AdjustStock(testCtx(), AdjustStockInput{
		ItemID: "item-1", WarehouseID: "wh-1", QuantityChange: -15, Reason: "shrinkage",
	})
	require.NoError(t, err)
	require.Equal(t, float64(-5), f.projection(t, "item-1", "wh-1").QuantityOnHand)
}

func TestTransferStockKeepsValuation(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 20, 8, "grn-1")

	res, err := f.svc.TransferStock(testCtx(), TransferStockInput{
		ItemID: "item-1", FromWarehouseID: "wh-1", ToWarehouseID: "wh-2", Quantity: 5, TransferID: "tr-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.OutEventID)
	require.NotEmpty(t, res.InEventID)

	src := f.projection(t, "item-1", "wh-1")
	require.Equal(t, float64(15), src.QuantityOnHand)
	require.Equal(t, float64(120), src.TotalValue)

	dst := f.projection(t, "item-1", "wh-2")
	require.Equal(t, float64(5), dst.QuantityOnHand)
	require.Equal(t, float64(8), dst.AverageCost)
	require.Equal(t, float64(40), dst.TotalValue)
}

func TestTransferStockDuplicateReplays(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 20, 8, "grn-1")

	in := TransferStockInput{ItemID: "item-1", FromWarehouseID: "wh-1", ToWarehouseID: "wh-2", Quantity: 5, TransferID: "tr-1"}
	first, err := f.svc.TransferStock(testCtx(), in)
	require.NoError(t, err)
	again, err := f.svc.TransferStock(testCtx(), in)
	require.NoError(t, err)
	require.Equal(t, first, again)

	require.Equal(t, float64(15), f.projection(t, "item-1", "wh-1").QuantityOnHand)
	require.Equal(t, float64(5), f.projection(t, "item-1", "wh-2").QuantityOnHand)
}

func TestTransferStockRejectsSameWarehouse(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.TransferStock(testCtx(), TransferStockInput{
		ItemID: "item-1", FromWarehouseID: "wh-1", ToWarehouseID: "wh-1", Quantity: 5, TransferID: "tr-1",
	})
	require.Error(t, err)
}

func TestTransferStockInsufficientAppendsNothing(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 10, 8, "grn-1")

	_, err := f.svc.TransferStock(testCtx(), TransferStockInput{
		ItemID: "item-1", FromWarehouseID: "wh-1", ToWarehouseID: "wh-2", Quantity: 20, TransferID: "tr-1",
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	srcVersion, err := f.store.GetCurrentVersion(context.Background(), "t1", eventstore.AggregateTypeInventory, AggregateID("item-1", "wh-1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), srcVersion)
	dstVersion, err := f.store.GetCurrentVersion(context.Background(), "t1", eventstore.AggregateTypeInventory, AggregateID("item-1", "wh-2"))
	require.NoError(t, err)
	require.Equal(t, int64(0), dstVersion)
}

func TestReturnSaleCreditsStock(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 10, 10, "grn-1")

	_, err := f.svc.ReturnSale(testCtx(), ReturnSaleInput{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 3, SOID: "so-1", ReturnNumber: "rma-1", Reason: "wrong size",
	})
	require.NoError(t, err)

	proj := f.projection(t, "item-1", "wh-1")
	require.Equal(t, float64(13), proj.QuantityOnHand)
	require.Equal(t, float64(13), proj.QuantityAvailable)
	require.Equal(t, float64(10), proj.AverageCost)
}

func TestReturnPurchaseChecksAvailability(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 5, 10, "grn-1")

	_, err := f.svc.ReturnPurchase(testCtx(), ReturnPurchaseInput{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 8, POID: "po-1", ReturnNumber: "pr-1",
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	_, err = f.svc.ReturnPurchase(testCtx(), ReturnPurchaseInput{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 2, POID: "po-1", ReturnNumber: "pr-1",
	})
	require.NoError(t, err)
	require.Equal(t, float64(3), f.projection(t, "item-1", "wh-1").QuantityOnHand)
}

func TestMarkDamagedDebitsStock(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 10, 10, "grn-1")

	_, err := f.svc.MarkDamaged(testCtx(), MarkDamagedInput{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 4, Reason: "water damage", ReportNumber: "dr-1",
	})
	require.NoError(t, err)

	proj := f.projection(t, "item-1", "wh-1")
	require.Equal(t, float64(6), proj.QuantityOnHand)
	require.Equal(t, float64(60), proj.TotalValue)
}

func TestMarkExpiredDebitsStock(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 10, 10, "grn-1")

	_, err := f.svc.MarkExpired(testCtx(), MarkExpiredInput{
		ItemID: "item-1", WarehouseID: "wh-1", Quantity: 10, LotNumber: "lot-7", ExpiryDate: "2026-08-31",
	})
	require.NoError(t, err)

	proj := f.projection(t, "item-1", "wh-1")
	require.Equal(t, float64(0), proj.QuantityOnHand)
	require.Equal(t, float64(0), proj.TotalValue)
}

func TestCommandsRecordAudit(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 10, 10, "grn-1")

	require.Len(t, f.audit.entries, 1)
	entry := f.audit.entries[0]
	require.Equal(t, "t1", entry.TenantID)
	require.Equal(t, "u1", entry.ActorID)
	require.Equal(t, "inventory:PurchaseReceived", entry.Action)
	require.Equal(t, AggregateID("item-1", "wh-1"), entry.EntityID)
}

func TestCommandsTriggerReorderCheck(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "item-1", "wh-1", 10, 10, "grn-1")

	require.Contains(t, f.reorder.calls, "t1/item-1/wh-1")
}
