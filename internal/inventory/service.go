package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stockledger/stockledger/internal/eventstore"
	"github.com/stockledger/stockledger/internal/observability"
	"github.com/stockledger/stockledger/internal/shared"
)

// EventStorePort is the slice of the event store used by the command side.
type EventStorePort interface {
	Append(ctx context.Context, in eventstore.AppendInput) (eventstore.AppendResult, error)
	GetCurrentVersion(ctx context.Context, tenantID, aggregateType, aggregateID string) (int64, error)
}

// ItemPolicyPort supplies per-item settings. Implementations return
// shared.ErrNotFound for unknown items; the service then falls back to its
// configured default.
type ItemPolicyPort interface {
	GetItemPolicy(ctx context.Context, tenantID, itemID string) (ItemPolicy, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the write API of the inventory core. Every command validates its
// payload, checks domain invariants against the projection, appends to the
// event log, and folds the projection.
type Service struct {
	events   EventStorePort
	repo     ProjectionRepository
	engine   *Engine
	policies ItemPolicyPort
	audit    AuditPort
	metrics  *observability.Metrics
	logger   *slog.Logger
	allowNeg bool
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// AllowNegativeStock is the tenant-wide default when an item has no
	// explicit policy.
	AllowNegativeStock bool
}

// NewService builds Service. audit, policies and metrics may be nil.
func NewService(events EventStorePort, repo ProjectionRepository, engine *Engine, policies ItemPolicyPort, audit AuditPort, metrics *observability.Metrics, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		events:   events,
		repo:     repo,
		engine:   engine,
		policies: policies,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
		allowNeg: cfg.AllowNegativeStock,
	}
}

// ReceiveStock credits received goods. No availability precondition.
func (s *Service) ReceiveStock(ctx context.Context, in ReceiveStockInput) (string, error) {
	payload := PurchaseReceivedPayload{
		ItemID:       in.ItemID,
		WarehouseID:  in.WarehouseID,
		Quantity:     in.Quantity,
		UnitCost:     in.UnitCost,
		POID:         in.POID,
		POLineID:     in.POLineID,
		GRNNumber:    in.GRNNumber,
		ReceivedDate: in.ReceivedDate,
	}
	key := fmt.Sprintf("receive-%s-%s", in.POLineID, in.GRNNumber)
	return s.appendAndFold(ctx, EventPurchaseReceived, payload, in.ItemID, in.WarehouseID, key, map[string]any{"quantity": in.Quantity, "unit_cost": in.UnitCost})
}

// ReserveStock holds stock for a sales order line. The hold is a conditional
// projection write, so two reservations racing over the same balance cannot
// both succeed.
func (s *Service) ReserveStock(ctx context.Context, in ReserveStockInput) (string, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return "", err
	}
	payload := SaleReservedPayload{
		ItemID:      in.ItemID,
		WarehouseID: in.WarehouseID,
		Quantity:    in.Quantity,
		SOID:        in.SOID,
		SOLineID:    in.SOLineID,
	}
	raw, err := MarshalPayload(EventSaleReserved, payload)
	if err != nil {
		return "", err
	}

	applied, available, err := s.repo.ApplyReserve(ctx, id.TenantID, in.ItemID, in.WarehouseID, in.Quantity)
	if err != nil {
		return "", err
	}
	if !applied {
		s.metrics.IncInsufficientStock()
		return "", &InsufficientStockError{ItemID: in.ItemID, WarehouseID: in.WarehouseID, Requested: in.Quantity, Available: available}
	}

	res, err := s.append(ctx, id, EventSaleReserved, in.ItemID, in.WarehouseID, raw, fmt.Sprintf("reserve-%s", in.SOLineID))
	if err != nil {
		if relErr := s.repo.ReleaseReserve(ctx, id.TenantID, in.ItemID, in.WarehouseID, in.Quantity); relErr != nil {
			s.logger.Error("release reservation after failed append",
				slog.String("item_id", in.ItemID), slog.Any("error", relErr))
		}
		return "", err
	}
	if res.Replayed {
		// The original command already holds this quantity; undo the
		// duplicate claim.
		if relErr := s.repo.ReleaseReserve(ctx, id.TenantID, in.ItemID, in.WarehouseID, in.Quantity); relErr != nil {
			s.logger.Error("release duplicate reservation claim",
				slog.String("item_id", in.ItemID), slog.Any("error", relErr))
		}
		s.metrics.IncIdempotentReplay()
		return res.Event.ID, nil
	}
	if err := s.repo.SetLastMovement(ctx, id.TenantID, in.ItemID, in.WarehouseID, res.Event.CreatedAt); err != nil {
		s.logger.Warn("stamp last movement", slog.Any("error", err))
	}
	s.engine.NotifyReorder(ctx, id.TenantID, in.ItemID, in.WarehouseID)
	s.recordAudit(ctx, id, EventSaleReserved, in.ItemID, in.WarehouseID, map[string]any{"quantity": in.Quantity, "so_line_id": in.SOLineID})
	return res.Event.ID, nil
}

// ShipStock ships previously reserved stock. Available is untouched; it was
// debited at reservation time.
func (s *Service) ShipStock(ctx context.Context, in ShipStockInput) (string, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return "", err
	}
	proj, err := s.currentProjection(ctx, id.TenantID, in.ItemID, in.WarehouseID)
	if err != nil {
		return "", err
	}
	if proj.QuantityReserved < in.Quantity {
		s.metrics.IncInsufficientStock()
		return "", &InsufficientStockError{ItemID: in.ItemID, WarehouseID: in.WarehouseID, Requested: in.Quantity, Available: proj.QuantityReserved}
	}
	payload := SaleShippedPayload{
		ItemID:      in.ItemID,
		WarehouseID: in.WarehouseID,
		Quantity:    in.Quantity,
		SOID:        in.SOID,
		SOLineID:    in.SOLineID,
		ShipmentID:  in.ShipmentID,
		ShippedDate: in.ShippedDate,
	}
	key := fmt.Sprintf("ship-%s-%s", in.SOLineID, in.ShipmentID)
	return s.appendAndFold(ctx, EventSaleShipped, payload, in.ItemID, in.WarehouseID, key, map[string]any{"quantity": in.Quantity, "shipment_id": in.ShipmentID})
}

// AdjustStock applies a signed correction. Decreases must not exceed
// available stock unless the item allows negative balances.
func (s *Service) AdjustStock(ctx context.Context, in AdjustStockInput) (string, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return "", err
	}
	if in.QuantityChange < 0 {
		allowNeg, err := s.allowNegative(ctx, id.TenantID, in.ItemID)
		if err != nil {
			return "", err
		}
		if !allowNeg {
			proj, err := s.currentProjection(ctx, id.TenantID, in.ItemID, in.WarehouseID)
			if err != nil {
				return "", err
			}
			if proj.QuantityAvailable+in.QuantityChange < 0 {
				s.metrics.IncInsufficientStock()
				return "", ErrNegativeStock
			}
		}
	}
	payload := StockAdjustedPayload{
		ItemID:         in.ItemID,
		WarehouseID:    in.WarehouseID,
		QuantityChange: in.QuantityChange,
		Reason:         in.Reason,
		Reference:      in.Reference,
	}
	key := fmt.Sprintf("adjust-%s-%s-%s", in.ItemID, in.WarehouseID, in.Reference)
	if in.Reference == "" {
		key = ""
	}
	return s.appendAndFold(ctx, EventStockAdjusted, payload, in.ItemID, in.WarehouseID, key, map[string]any{"quantity_change": in.QuantityChange, "reason": in.Reason})
}

// TransferStock moves stock between two warehouses as a correlated
// TransferOut/TransferIn pair. The two appends are independent transactions;
// a crash between them leaves the transfer in flight until the
// reconciliation sweep reports it.
func (s *Service) TransferStock(ctx context.Context, in TransferStockInput) (TransferResult, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return TransferResult{}, err
	}
	if in.FromWarehouseID == in.ToWarehouseID {
		return TransferResult{}, errors.New("inventory: source and destination warehouse must differ")
	}
	if in.TransferID == "" {
		return TransferResult{}, errors.New("inventory: transfer id required")
	}
	src, err := s.currentProjection(ctx, id.TenantID, in.ItemID, in.FromWarehouseID)
	if err != nil {
		return TransferResult{}, err
	}
	if src.QuantityAvailable < in.Quantity {
		s.metrics.IncInsufficientStock()
		return TransferResult{}, &InsufficientStockError{ItemID: in.ItemID, WarehouseID: in.FromWarehouseID, Requested: in.Quantity, Available: src.QuantityAvailable}
	}

	// The destination folds this as a receipt at the source's moving average,
	// so the transferred units keep their valuation.
	carriedCost := src.AverageCost

	outPayload := TransferOutPayload{
		ItemID:        in.ItemID,
		WarehouseID:   in.FromWarehouseID,
		Quantity:      in.Quantity,
		TransferID:    in.TransferID,
		ToWarehouseID: in.ToWarehouseID,
		UnitCost:      carriedCost,
	}
	outID, err := s.appendAndFold(ctx, EventTransferOut, outPayload, in.ItemID, in.FromWarehouseID,
		fmt.Sprintf("transfer-out-%s", in.TransferID), map[string]any{"quantity": in.Quantity, "transfer_id": in.TransferID, "to_warehouse_id": in.ToWarehouseID})
	if err != nil {
		return TransferResult{}, err
	}

	inPayload := TransferInPayload{
		ItemID:          in.ItemID,
		WarehouseID:     in.ToWarehouseID,
		Quantity:        in.Quantity,
		TransferID:      in.TransferID,
		FromWarehouseID: in.FromWarehouseID,
		UnitCost:        carriedCost,
	}
	inID, err := s.appendAndFold(ctx, EventTransferIn, inPayload, in.ItemID, in.ToWarehouseID,
		fmt.Sprintf("transfer-in-%s", in.TransferID), map[string]any{"quantity": in.Quantity, "transfer_id": in.TransferID, "from_warehouse_id": in.FromWarehouseID})
	if err != nil {
		// Stock is debited but not credited. The reconciliation sweep will
		// surface this transfer; do not mask the failure.
		s.logger.Error("transfer credited side failed, stock in flight",
			slog.String("transfer_id", in.TransferID),
			slog.String("item_id", in.ItemID),
			slog.Any("error", err))
		return TransferResult{TransferID: in.TransferID, OutEventID: outID}, fmt.Errorf("inventory: transfer %s in flight: %w", in.TransferID, err)
	}
	return TransferResult{TransferID: in.TransferID, OutEventID: outID, InEventID: inID}, nil
}

// ReturnSale credits stock returned by a customer.
func (s *Service) ReturnSale(ctx context.Context, in ReturnSaleInput) (string, error) {
	payload := SaleReturnedPayload{
		ItemID:       in.ItemID,
		WarehouseID:  in.WarehouseID,
		Quantity:     in.Quantity,
		SOID:         in.SOID,
		ReturnNumber: in.ReturnNumber,
		Reason:       in.Reason,
	}
	key := fmt.Sprintf("sale-return-%s", in.ReturnNumber)
	return s.appendAndFold(ctx, EventSaleReturned, payload, in.ItemID, in.WarehouseID, key, map[string]any{"quantity": in.Quantity, "return_number": in.ReturnNumber})
}

// ReturnPurchase debits stock sent back to a vendor.
func (s *Service) ReturnPurchase(ctx context.Context, in ReturnPurchaseInput) (string, error) {
	if err := s.checkAvailable(ctx, in.ItemID, in.WarehouseID, in.Quantity); err != nil {
		return "", err
	}
	payload := PurchaseReturnedPayload{
		ItemID:       in.ItemID,
		WarehouseID:  in.WarehouseID,
		Quantity:     in.Quantity,
		POID:         in.POID,
		ReturnNumber: in.ReturnNumber,
		Reason:       in.Reason,
	}
	key := fmt.Sprintf("purchase-return-%s", in.ReturnNumber)
	return s.appendAndFold(ctx, EventPurchaseReturned, payload, in.ItemID, in.WarehouseID, key, map[string]any{"quantity": in.Quantity, "return_number": in.ReturnNumber})
}

// MarkDamaged writes off damaged stock.
func (s *Service) MarkDamaged(ctx context.Context, in MarkDamagedInput) (string, error) {
	if err := s.checkAvailable(ctx, in.ItemID, in.WarehouseID, in.Quantity); err != nil {
		return "", err
	}
	payload := StockDamagedPayload{
		ItemID:       in.ItemID,
		WarehouseID:  in.WarehouseID,
		Quantity:     in.Quantity,
		Reason:       in.Reason,
		ReportNumber: in.ReportNumber,
	}
	key := ""
	if in.ReportNumber != "" {
		key = fmt.Sprintf("damage-%s", in.ReportNumber)
	}
	return s.appendAndFold(ctx, EventStockDamaged, payload, in.ItemID, in.WarehouseID, key, map[string]any{"quantity": in.Quantity, "reason": in.Reason})
}

// MarkExpired writes off expired stock.
func (s *Service) MarkExpired(ctx context.Context, in MarkExpiredInput) (string, error) {
	if err := s.checkAvailable(ctx, in.ItemID, in.WarehouseID, in.Quantity); err != nil {
		return "", err
	}
	payload := StockExpiredPayload{
		ItemID:      in.ItemID,
		WarehouseID: in.WarehouseID,
		Quantity:    in.Quantity,
		LotNumber:   in.LotNumber,
		ExpiryDate:  in.ExpiryDate,
	}
	key := ""
	if in.LotNumber != "" {
		key = fmt.Sprintf("expire-%s-%s", in.ItemID, in.LotNumber)
	}
	return s.appendAndFold(ctx, EventStockExpired, payload, in.ItemID, in.WarehouseID, key, map[string]any{"quantity": in.Quantity, "lot_number": in.LotNumber})
}

// appendAndFold is the shared command tail: validate and encode the payload,
// append, fold the projection, audit. A duplicate idempotency key short
// circuits with the original event ID.
func (s *Service) appendAndFold(ctx context.Context, kind EventType, payload any, itemID, warehouseID, idempotencyKey string, auditMeta map[string]any) (string, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return "", err
	}
	raw, err := MarshalPayload(kind, payload)
	if err != nil {
		return "", err
	}
	res, err := s.append(ctx, id, kind, itemID, warehouseID, raw, idempotencyKey)
	if err != nil {
		return "", err
	}
	if res.Replayed {
		s.metrics.IncIdempotentReplay()
		return res.Event.ID, nil
	}
	if err := s.engine.HandleEvent(ctx, res.Event); err != nil {
		// The log is the source of truth; the stale projection is repaired by
		// an explicit rebuild.
		s.metrics.IncProjectionStale()
		return res.Event.ID, fmt.Errorf("inventory: event %s stored but projection stale: %w", res.Event.ID, err)
	}
	s.recordAudit(ctx, id, kind, itemID, warehouseID, auditMeta)
	return res.Event.ID, nil
}

func (s *Service) append(ctx context.Context, id shared.Identity, kind EventType, itemID, warehouseID string, raw []byte, idempotencyKey string) (eventstore.AppendResult, error) {
	res, err := s.events.Append(ctx, eventstore.AppendInput{
		TenantID:       id.TenantID,
		AggregateType:  eventstore.AggregateTypeInventory,
		AggregateID:    AggregateID(itemID, warehouseID),
		EventType:      string(kind),
		Payload:        raw,
		Metadata:       map[string]string{"userId": id.UserID},
		IdempotencyKey: idempotencyKey,
		CreatedBy:      id.UserID,
	})
	if err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			s.metrics.IncConcurrencyConflict()
		}
		return eventstore.AppendResult{}, err
	}
	s.metrics.IncEventAppended(string(kind))
	return res, nil
}

func (s *Service) identity(ctx context.Context) (shared.Identity, error) {
	id, ok := shared.IdentityFromContext(ctx)
	if !ok || id.TenantID == "" {
		return shared.Identity{}, shared.ErrTenantRequired
	}
	return id, nil
}

// currentProjection returns the snapshot row, zero-valued when absent.
func (s *Service) currentProjection(ctx context.Context, tenantID, itemID, warehouseID string) (Projection, error) {
	proj, err := s.repo.Get(ctx, tenantID, itemID, warehouseID)
	if err != nil {
		if errors.Is(err, ErrProjectionNotFound) {
			return Projection{TenantID: tenantID, ItemID: itemID, WarehouseID: warehouseID}, nil
		}
		return Projection{}, err
	}
	return proj, nil
}

func (s *Service) checkAvailable(ctx context.Context, itemID, warehouseID string, qty float64) error {
	id, err := s.identity(ctx)
	if err != nil {
		return err
	}
	allowNeg, err := s.allowNegative(ctx, id.TenantID, itemID)
	if err != nil {
		return err
	}
	if allowNeg {
		return nil
	}
	proj, err := s.currentProjection(ctx, id.TenantID, itemID, warehouseID)
	if err != nil {
		return err
	}
	if proj.QuantityAvailable < qty {
		s.metrics.IncInsufficientStock()
		return &InsufficientStockError{ItemID: itemID, WarehouseID: warehouseID, Requested: qty, Available: proj.QuantityAvailable}
	}
	return nil
}

func (s *Service) allowNegative(ctx context.Context, tenantID, itemID string) (bool, error) {
	if s.policies == nil {
		return s.allowNeg, nil
	}
	policy, err := s.policies.GetItemPolicy(ctx, tenantID, itemID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return s.allowNeg, nil
		}
		return false, err
	}
	return policy.AllowNegativeStock, nil
}

func (s *Service) recordAudit(ctx context.Context, id shared.Identity, kind EventType, itemID, warehouseID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["warehouse_id"] = warehouseID
	err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: id.TenantID,
		ActorID:  id.UserID,
		Action:   fmt.Sprintf("inventory:%s", kind),
		Entity:   "inventory_event",
		EntityID: AggregateID(itemID, warehouseID),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}
