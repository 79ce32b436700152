package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Repository interface {
	GetOrder(ctx context.Context, id uint64) (*models.Order, error)
	SaveSettlement(ctx context.Context, st models.Settlement) error
	ListUnsettledSplitOrders(ctx context.Context, limit int) ([]*models.Order, error)
}

var (
	ErrUnknownItem = errors.New("item does not belong to order")
	// ErrNotSettleable: заказ ещё не разобран и не доставлен.
	ErrNotSettleable = errors.New("order is neither split nor delivered")
)

var hundred = decimal.NewFromInt(100)

type Service struct {
	repo         Repository
	employeeRate decimal.Decimal
	now          func() time.Time
	log          *slog.Logger
}

// New takes the employee share in percent, e.g. 25 for a quarter of the gross profit.
func New(repo Repository, employeeSharePercent float64, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if employeeSharePercent < 0 {
		employeeSharePercent = 0
	}
	if employeeSharePercent > 100 {
		employeeSharePercent = 100
	}
	return &Service{
		repo:         repo,
		employeeRate: decimal.NewFromFloat(employeeSharePercent).Div(hundred),
		now:          time.Now,
		log:          log.With("component", "settlement"),
	}
}

// Calculate splits the money of a delivered (or partially delivered) order.
//
//	revenue  = finalPrice - delivery fee, not below zero
//	gross    = revenue - cost of delivered items
//	employee = gross * rate, only for a positive gross and an assigned employee
//	system   = gross - employee
func Calculate(o *models.Order, deliveredItemIDs []uint64, finalPrice, employeeRate decimal.Decimal) models.Settlement {
	revenue := finalPrice.Sub(o.DeliveryFee)
	if revenue.IsNegative() {
		revenue = decimal.Zero
	}

	cost := decimal.Zero
	for _, id := range deliveredItemIDs {
		if it := o.Item(id); it != nil {
			cost = cost.Add(it.LineCost())
		}
	}
	gross := revenue.Sub(cost)

	employee := decimal.Zero
	if o.EmployeeID != nil && gross.IsPositive() {
		employee = gross.Mul(employeeRate).Round(2)
	}

	return models.Settlement{
		OrderID:          o.ID,
		FinalPrice:       finalPrice,
		Revenue:          revenue,
		EmployeeProfit:   employee,
		SystemProfit:     gross.Sub(employee),
		DeliveredItemIDs: append([]uint64(nil), deliveredItemIDs...),
	}
}

// ComputeSettlement recalculates and stores the settlement of a split or delivered
// order. Re-running it overwrites the previous row.
func (s *Service) ComputeSettlement(ctx context.Context, orderID uint64, deliveredItemIDs []uint64, finalPrice decimal.Decimal) (models.Settlement, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return models.Settlement{}, errors.Wrap(err, "load order")
	}
	if o.PartialAppliedAt == nil && o.LocalStatus != models.OrderStatusDelivered {
		return models.Settlement{}, errors.Wrapf(ErrNotSettleable, "order %d is %s", orderID, o.LocalStatus)
	}
	for _, id := range deliveredItemIDs {
		if o.Item(id) == nil {
			return models.Settlement{}, errors.Wrapf(ErrUnknownItem, "item %d, order %d", id, orderID)
		}
	}

	st := Calculate(o, deliveredItemIDs, finalPrice, s.employeeRate)
	st.SettledAt = s.now().UTC()
	if err := s.repo.SaveSettlement(ctx, st); err != nil {
		return models.Settlement{}, errors.Wrap(err, "save settlement")
	}
	s.log.Info("order settled", "order_id", orderID, "revenue", st.Revenue.String(),
		"employee_profit", st.EmployeeProfit.String(), "system_profit", st.SystemProfit.String())
	return st, nil
}

// SettlePending settles split orders that have no settlement row, e.g. after a
// failure right after the split. Returns how many were settled.
func (s *Service) SettlePending(ctx context.Context, limit int) (int, error) {
	orders, err := s.repo.ListUnsettledSplitOrders(ctx, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list unsettled orders")
	}

	n := 0
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := s.ComputeSettlement(ctx, o.ID, o.PartialSelection, o.FinalAmount); err != nil {
			s.log.Warn("settlement retry failed", "order_id", o.ID, "err", err)
			continue
		}
		n++
	}
	return n, nil
}
