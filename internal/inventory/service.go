package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error)
	GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates inventory operations.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	allowNeg bool
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	return &Service{repo: repo, audit: audit, allowNeg: cfg.AllowNegativeStock}
}

// CreditStock adds qty to a warehouse inside the caller's transaction.
func (s *Service) CreditStock(ctx context.Context, tx TxRepository, input MovementInput) (StockCardEntry, error) {
	if input.Qty <= 0 {
		return StockCardEntry{}, ErrInvalidQuantity
	}
	if input.UnitCost < 0 {
		return StockCardEntry{}, ErrInvalidUnitCost
	}
	return s.applyMovement(ctx, tx, movementFrom(input, input.Qty, TransactionTypeIn))
}

// DebitStock removes qty from a warehouse inside the caller's transaction.
func (s *Service) DebitStock(ctx context.Context, tx TxRepository, input MovementInput) (StockCardEntry, error) {
	if input.Qty <= 0 {
		return StockCardEntry{}, ErrInvalidQuantity
	}
	return s.applyMovement(ctx, tx, movementFrom(input, -input.Qty, TransactionTypeOut))
}

// AvailableStock returns the on-hand qty, locking the balance row until the
// caller's transaction ends.
func (s *Service) AvailableStock(ctx context.Context, tx TxRepository, warehouseID, productID int64) (float64, error) {
	balance, err := tx.GetBalanceForUpdate(ctx, warehouseID, productID)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return balance.Qty, nil
}

// PostAdjustment posts a manual correction which may be positive or negative.
func (s *Service) PostAdjustment(ctx context.Context, actor shared.Actor, input AdjustmentInput) (StockCardEntry, error) {
	if err := rbac.Require(actor, rbac.CapStockAdjust); err != nil {
		return StockCardEntry{}, err
	}
	if math.Abs(input.Qty) < 1e-9 {
		return StockCardEntry{}, ErrInvalidQuantity
	}
	if input.Qty > 0 && input.UnitCost < 0 {
		return StockCardEntry{}, ErrInvalidUnitCost
	}
	params := movementFrom(MovementInput{
		Code:        input.Code,
		WarehouseID: input.WarehouseID,
		ProductID:   input.ProductID,
		UnitCost:    input.UnitCost,
		Note:        input.Note,
		ActorID:     actor.ID,
		RefModule:   "INVENTORY",
	}, input.Qty, TransactionTypeAdjust)
	var card StockCardEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		card, err = s.applyMovement(ctx, tx, params)
		return err
	})
	if err != nil {
		return StockCardEntry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:   actor.ID,
			ActorRole: actor.Role,
			Action:    "inventory:ADJUST",
			Entity:    "inventory_tx",
			EntityID:  card.TxCode,
			Meta: map[string]any{
				"warehouse_id": input.WarehouseID,
				"product_id":   input.ProductID,
				"qty":          input.Qty,
				"note":         input.Note,
			},
		})
	}
	return card, nil
}

// GetBalance returns the current balance, zero when the product never moved.
func (s *Service) GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	balance, err := s.repo.GetBalance(ctx, warehouseID, productID)
	if errors.Is(err, ErrBalanceNotFound) {
		return Balance{WarehouseID: warehouseID, ProductID: productID}, nil
	}
	return balance, err
}

// GetStockCard lists stock card entries.
func (s *Service) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if filter.WarehouseID == 0 || filter.ProductID == 0 {
		return nil, shared.Validation("stock", 0, "warehouse and product required")
	}
	return s.repo.GetStockCard(ctx, filter)
}

// RefID derives the stable movement reference for a source document.
func RefID(module string, id int64) string {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%d", module, id))).String()
}

type movementParams struct {
	Code        string
	WarehouseID int64
	ProductID   int64
	QtyChange   float64
	UnitCost    float64
	TxType      TransactionType
	Note        string
	ActorID     int64
	RefModule   string
	RefID       string
}

func movementFrom(input MovementInput, qtyChange float64, txType TransactionType) movementParams {
	return movementParams{
		Code:        input.Code,
		WarehouseID: input.WarehouseID,
		ProductID:   input.ProductID,
		QtyChange:   qtyChange,
		UnitCost:    input.UnitCost,
		TxType:      txType,
		Note:        input.Note,
		ActorID:     input.ActorID,
		RefModule:   input.RefModule,
		RefID:       input.RefID,
	}
}

func (s *Service) applyMovement(ctx context.Context, tx TxRepository, params movementParams) (StockCardEntry, error) {
	if params.QtyChange == 0 {
		return StockCardEntry{}, ErrInvalidQuantity
	}
	if params.WarehouseID == 0 || params.ProductID == 0 {
		return StockCardEntry{}, shared.Validation("stock", 0, "warehouse and product required")
	}
	now := time.Now().UTC()
	code := params.Code
	if code == "" {
		code = fmt.Sprintf("INV-%d", now.UnixNano())
	}
	if params.RefID != "" {
		if _, err := uuid.Parse(params.RefID); err != nil {
			return StockCardEntry{}, fmt.Errorf("inventory: invalid ref id: %w", err)
		}
	}

	balance, err := tx.GetBalanceForUpdate(ctx, params.WarehouseID, params.ProductID)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return StockCardEntry{}, err
	}
	if errors.Is(err, ErrBalanceNotFound) {
		balance = Balance{WarehouseID: params.WarehouseID, ProductID: params.ProductID}
	}
	qtyChange := params.QtyChange
	newQty := balance.Qty + qtyChange
	if !s.allowNeg && newQty < -shared.QtyEpsilon {
		return StockCardEntry{}, fmt.Errorf("%w: product %d in warehouse %d has %.4f, needs %.4f", ErrNegativeStock, params.ProductID, params.WarehouseID, balance.Qty, -qtyChange)
	}
	var unitCost, newAvg float64
	if qtyChange > 0 {
		unitCost = params.UnitCost
		totalCost := balance.Qty*balance.AvgCost + qtyChange*unitCost
		if newQty != 0 {
			newAvg = totalCost / newQty
		}
	} else {
		unitCost = balance.AvgCost
		if shared.QtyZero(newQty) {
			newQty = 0
		}
		if newQty > 0 {
			newAvg = balance.AvgCost
		}
	}
	txID, err := tx.InsertTransaction(ctx, Transaction{
		Code:        code,
		Type:        params.TxType,
		WarehouseID: params.WarehouseID,
		ProductID:   params.ProductID,
		Qty:         qtyChange,
		UnitCost:    unitCost,
		RefModule:   params.RefModule,
		RefID:       params.RefID,
		Note:        params.Note,
		PostedAt:    now,
		CreatedBy:   params.ActorID,
	})
	if err != nil {
		return StockCardEntry{}, err
	}
	balance.Qty = newQty
	balance.AvgCost = newAvg
	if err := tx.UpsertBalance(ctx, balance); err != nil {
		return StockCardEntry{}, err
	}
	card := StockCardEntry{
		TxCode:      code,
		TxType:      params.TxType,
		PostedAt:    now,
		QtyIn:       math.Max(qtyChange, 0),
		QtyOut:      math.Max(-qtyChange, 0),
		BalanceQty:  newQty,
		UnitCost:    unitCost,
		BalanceCost: newAvg,
		Note:        params.Note,
	}
	if err := tx.InsertCardEntry(ctx, card, params.WarehouseID, params.ProductID, txID); err != nil {
		return StockCardEntry{}, err
	}
	return card, nil
}
