package inventory

import (
	"errors"
	"fmt"
	"time"
)

// Projection is the derived snapshot for one (tenant, item, warehouse). It is
// fully re-derivable from the event log and may be deleted and rebuilt at any
// time.
type Projection struct {
	TenantID          string
	ItemID            string
	WarehouseID       string
	QuantityOnHand    float64
	QuantityReserved  float64
	QuantityAvailable float64
	AverageCost       float64
	TotalValue        float64
	LastMovementAt    time.Time
	// Version is a local optimistic counter bumped on every fold. It is not
	// the event log's aggregate version.
	Version int64
}

// ItemPolicy carries per-item settings consulted at command time.
type ItemPolicy struct {
	ItemID             string
	ValuationMethod    string
	AllowNegativeStock bool
	Active             bool
}

// ReceiveStockInput describes a goods receipt.
type ReceiveStockInput struct {
	ItemID       string
	WarehouseID  string
	Quantity     float64
	UnitCost     float64
	POID         string
	POLineID     string
	GRNNumber    string
	ReceivedDate string
}

// ReserveStockInput holds stock for a sales order line.
type ReserveStockInput struct {
	ItemID      string
	WarehouseID string
	Quantity    float64
	SOID        string
	SOLineID    string
}

// ShipStockInput ships previously reserved stock.
type ShipStockInput struct {
	ItemID      string
	WarehouseID string
	Quantity    float64
	SOID        string
	SOLineID    string
	ShipmentID  string
	ShippedDate string
}

// AdjustStockInput applies a signed correction.
type AdjustStockInput struct {
	ItemID         string
	WarehouseID    string
	QuantityChange float64
	Reason         string
	Reference      string
}

// TransferStockInput moves stock between warehouses.
type TransferStockInput struct {
	ItemID          string
	FromWarehouseID string
	ToWarehouseID   string
	Quantity        float64
	TransferID      string
}

// ReturnSaleInput credits stock returned by a customer.
type ReturnSaleInput struct {
	ItemID       string
	WarehouseID  string
	Quantity     float64
	SOID         string
	ReturnNumber string
	Reason       string
}

// ReturnPurchaseInput debits stock sent back to a vendor.
type ReturnPurchaseInput struct {
	ItemID       string
	WarehouseID  string
	Quantity     float64
	POID         string
	ReturnNumber string
	Reason       string
}

// MarkDamagedInput writes off damaged stock.
type MarkDamagedInput struct {
	ItemID       string
	WarehouseID  string
	Quantity     float64
	Reason       string
	ReportNumber string
}

// MarkExpiredInput writes off expired stock.
type MarkExpiredInput struct {
	ItemID      string
	WarehouseID string
	Quantity    float64
	LotNumber   string
	ExpiryDate  string
}

// TransferResult carries the two correlated event IDs of a transfer.
type TransferResult struct {
	TransferID string
	OutEventID string
	InEventID  string
}

// InsufficientStockError is raised when a hold or debit exceeds what is
// available. It reports both sides so callers can size a valid retry.
type InsufficientStockError struct {
	ItemID      string
	WarehouseID string
	Requested   float64
	Available   float64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for %s at %s: requested %.4f, available %.4f",
		e.ItemID, e.WarehouseID, e.Requested, e.Available)
}

// ErrNegativeStock triggered when a movement would drive on-hand negative for
// an item that does not allow it.
var ErrNegativeStock = errors.New("inventory: negative stock not allowed")

// ErrProjectionNotFound indicates a missing snapshot row.
var ErrProjectionNotFound = errors.New("inventory: projection not found")

// ErrReservationExceedsOnHand indicates reserved would exceed on-hand.
var ErrReservationExceedsOnHand = errors.New("inventory: reserved exceeds on hand")
