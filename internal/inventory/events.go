package inventory

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// EventType enumerates the inventory event kinds.
type EventType string

const (
	EventPurchaseReceived         EventType = "PurchaseReceived"
	EventPurchaseReturned         EventType = "PurchaseReturned"
	EventSaleReserved             EventType = "SaleReserved"
	EventSaleShipped              EventType = "SaleShipped"
	EventSaleReturned             EventType = "SaleReturned"
	EventSaleReservationCancelled EventType = "SaleReservationCancelled"
	EventTransferOut              EventType = "TransferOut"
	EventTransferIn               EventType = "TransferIn"
	EventStockAdjusted            EventType = "StockAdjusted"
	EventStockDamaged             EventType = "StockDamaged"
	EventStockExpired             EventType = "StockExpired"
	EventItemCreated              EventType = "ItemCreated"
	EventItemUpdated              EventType = "ItemUpdated"
	EventItemDeactivated          EventType = "ItemDeactivated"
)

// PurchaseReceivedPayload records goods received against a purchase order line.
type PurchaseReceivedPayload struct {
	ItemID       string  `json:"itemId" validate:"required"`
	WarehouseID  string  `json:"warehouseId" validate:"required"`
	Quantity     float64 `json:"quantity" validate:"required,gt=0"`
	UnitCost     float64 `json:"unitCost" validate:"gte=0"`
	POID         string  `json:"poId" validate:"required"`
	POLineID     string  `json:"poLineId" validate:"required"`
	GRNNumber    string  `json:"grnNumber" validate:"required"`
	ReceivedDate string  `json:"receivedDate" validate:"required"`
}

// PurchaseReturnedPayload records stock sent back to a vendor.
type PurchaseReturnedPayload struct {
	ItemID       string  `json:"itemId" validate:"required"`
	WarehouseID  string  `json:"warehouseId" validate:"required"`
	Quantity     float64 `json:"quantity" validate:"required,gt=0"`
	POID         string  `json:"poId" validate:"required"`
	ReturnNumber string  `json:"returnNumber" validate:"required"`
	Reason       string  `json:"reason,omitempty"`
}

// SaleReservedPayload records stock held for a sales order line.
type SaleReservedPayload struct {
	ItemID      string  `json:"itemId" validate:"required"`
	WarehouseID string  `json:"warehouseId" validate:"required"`
	Quantity    float64 `json:"quantity" validate:"required,gt=0"`
	SOID        string  `json:"soId" validate:"required"`
	SOLineID    string  `json:"soLineId" validate:"required"`
}

// SaleShippedPayload records reserved stock leaving the warehouse.
type SaleShippedPayload struct {
	ItemID      string  `json:"itemId" validate:"required"`
	WarehouseID string  `json:"warehouseId" validate:"required"`
	Quantity    float64 `json:"quantity" validate:"required,gt=0"`
	SOID        string  `json:"soId" validate:"required"`
	SOLineID    string  `json:"soLineId" validate:"required"`
	ShipmentID  string  `json:"shipmentId" validate:"required"`
	ShippedDate string  `json:"shippedDate" validate:"required"`
}

// SaleReturnedPayload records customer returns coming back on hand.
type SaleReturnedPayload struct {
	ItemID       string  `json:"itemId" validate:"required"`
	WarehouseID  string  `json:"warehouseId" validate:"required"`
	Quantity     float64 `json:"quantity" validate:"required,gt=0"`
	SOID         string  `json:"soId" validate:"required"`
	ReturnNumber string  `json:"returnNumber" validate:"required"`
	Reason       string  `json:"reason,omitempty"`
}

// SaleReservationCancelledPayload releases a hold without shipping.
type SaleReservationCancelledPayload struct {
	ItemID      string  `json:"itemId" validate:"required"`
	WarehouseID string  `json:"warehouseId" validate:"required"`
	Quantity    float64 `json:"quantity" validate:"required,gt=0"`
	SOLineID    string  `json:"soLineId" validate:"required"`
	Reason      string  `json:"reason,omitempty"`
}

// TransferOutPayload debits the source side of a warehouse transfer. UnitCost
// carries the source moving-average cost so the destination keeps valuation.
type TransferOutPayload struct {
	ItemID        string  `json:"itemId" validate:"required"`
	WarehouseID   string  `json:"warehouseId" validate:"required"`
	Quantity      float64 `json:"quantity" validate:"required,gt=0"`
	TransferID    string  `json:"transferId" validate:"required"`
	ToWarehouseID string  `json:"toWarehouseId" validate:"required"`
	UnitCost      float64 `json:"unitCost" validate:"gte=0"`
}

// TransferInPayload credits the destination side of a warehouse transfer.
type TransferInPayload struct {
	ItemID          string  `json:"itemId" validate:"required"`
	WarehouseID     string  `json:"warehouseId" validate:"required"`
	Quantity        float64 `json:"quantity" validate:"required,gt=0"`
	TransferID      string  `json:"transferId" validate:"required"`
	FromWarehouseID string  `json:"fromWarehouseId" validate:"required"`
	UnitCost        float64 `json:"unitCost" validate:"gte=0"`
}

// StockAdjustedPayload applies a signed correction. QuantityChange may be
// negative and is exempt from the positivity rule.
type StockAdjustedPayload struct {
	ItemID         string  `json:"itemId" validate:"required"`
	WarehouseID    string  `json:"warehouseId" validate:"required"`
	QuantityChange float64 `json:"quantityChange" validate:"required,ne=0"`
	Reason         string  `json:"reason" validate:"required"`
	Reference      string  `json:"reference,omitempty"`
}

// StockDamagedPayload writes off damaged units.
type StockDamagedPayload struct {
	ItemID       string  `json:"itemId" validate:"required"`
	WarehouseID  string  `json:"warehouseId" validate:"required"`
	Quantity     float64 `json:"quantity" validate:"required,gt=0"`
	Reason       string  `json:"reason" validate:"required"`
	ReportNumber string  `json:"reportNumber,omitempty"`
}

// StockExpiredPayload writes off expired units.
type StockExpiredPayload struct {
	ItemID      string  `json:"itemId" validate:"required"`
	WarehouseID string  `json:"warehouseId" validate:"required"`
	Quantity    float64 `json:"quantity" validate:"required,gt=0"`
	LotNumber   string  `json:"lotNumber,omitempty"`
	ExpiryDate  string  `json:"expiryDate" validate:"required"`
}

// ItemCreatedPayload registers a new item master record.
type ItemCreatedPayload struct {
	ItemID             string `json:"itemId" validate:"required"`
	SKU                string `json:"sku" validate:"required"`
	Name               string `json:"name" validate:"required"`
	ValuationMethod    string `json:"valuationMethod" validate:"required,oneof=weighted_average fifo"`
	AllowNegativeStock bool   `json:"allowNegativeStock"`
}

// ItemUpdatedPayload records item master changes.
type ItemUpdatedPayload struct {
	ItemID             string `json:"itemId" validate:"required"`
	Name               string `json:"name,omitempty"`
	ValuationMethod    string `json:"valuationMethod,omitempty" validate:"omitempty,oneof=weighted_average fifo"`
	AllowNegativeStock *bool  `json:"allowNegativeStock,omitempty"`
}

// ItemDeactivatedPayload retires an item from use.
type ItemDeactivatedPayload struct {
	ItemID string `json:"itemId" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// ValidationError reports the first missing or mistyped payload field.
type ValidationError struct {
	EventType EventType
	Field     string
	Rule      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inventory: invalid %s payload: field %q fails rule %q", e.EventType, e.Field, e.Rule)
}

var payloadPrototypes = map[EventType]func() any{
	EventPurchaseReceived:         func() any { return &PurchaseReceivedPayload{} },
	EventPurchaseReturned:         func() any { return &PurchaseReturnedPayload{} },
	EventSaleReserved:             func() any { return &SaleReservedPayload{} },
	EventSaleShipped:              func() any { return &SaleShippedPayload{} },
	EventSaleReturned:             func() any { return &SaleReturnedPayload{} },
	EventSaleReservationCancelled: func() any { return &SaleReservationCancelledPayload{} },
	EventTransferOut:              func() any { return &TransferOutPayload{} },
	EventTransferIn:               func() any { return &TransferInPayload{} },
	EventStockAdjusted:            func() any { return &StockAdjustedPayload{} },
	EventStockDamaged:             func() any { return &StockDamagedPayload{} },
	EventStockExpired:             func() any { return &StockExpiredPayload{} },
	EventItemCreated:              func() any { return &ItemCreatedPayload{} },
	EventItemUpdated:              func() any { return &ItemUpdatedPayload{} },
	EventItemDeactivated:          func() any { return &ItemDeactivatedPayload{} },
}

// Valid reports whether the event type is part of the catalog.
func (t EventType) Valid() bool {
	_, ok := payloadPrototypes[t]
	return ok
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidatePayload checks a typed payload against its kind's schema. The first
// failing field is reported.
func ValidatePayload(kind EventType, payload any) error {
	proto, ok := payloadPrototypes[kind]
	if !ok {
		return fmt.Errorf("inventory: unknown event type %q", kind)
	}
	want := reflect.TypeOf(proto())
	got := reflect.TypeOf(payload)
	if got != want && got != want.Elem() {
		return fmt.Errorf("inventory: %s payload must be %s, got %T", kind, want.Elem().Name(), payload)
	}
	if err := validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{EventType: kind, Field: verrs[0].Field(), Rule: verrs[0].Tag()}
		}
		return err
	}
	return nil
}

// MarshalPayload validates then encodes a payload for append.
func MarshalPayload(kind EventType, payload any) (json.RawMessage, error) {
	if err := ValidatePayload(kind, payload); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("inventory: marshal %s payload: %w", kind, err)
	}
	return raw, nil
}

// DecodePayload decodes a stored payload into its typed form for folding.
func DecodePayload(kind EventType, raw json.RawMessage) (any, error) {
	proto, ok := payloadPrototypes[kind]
	if !ok {
		return nil, fmt.Errorf("inventory: unknown event type %q", kind)
	}
	out := proto()
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("inventory: decode %s payload: %w", kind, err)
	}
	return out, nil
}

// AggregateID builds the composite item/warehouse aggregate key.
func AggregateID(itemID, warehouseID string) string {
	return itemID + ":" + warehouseID
}

// SplitAggregateID reverses AggregateID.
func SplitAggregateID(aggregateID string) (itemID, warehouseID string, err error) {
	idx := strings.LastIndex(aggregateID, ":")
	if idx <= 0 || idx == len(aggregateID)-1 {
		return "", "", fmt.Errorf("inventory: malformed aggregate id %q", aggregateID)
	}
	return aggregateID[:idx], aggregateID[idx+1:], nil
}
