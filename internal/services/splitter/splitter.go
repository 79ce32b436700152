package splitter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/BearBump/DeliverySync/internal/broker/messages"
	"github.com/BearBump/DeliverySync/internal/cache/rediscache"
	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/BearBump/DeliverySync/internal/storage/pgorders"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNotPartialDelivery = errors.New("order is not in partial delivery")
	ErrAlreadySplit       = errors.New("partial delivery already applied with a different selection")
	ErrInvalidSelection   = errors.New("invalid item selection")
	ErrSplitInProgress    = errors.New("partial delivery is being applied by another request")
)

type Repository interface {
	GetOrder(ctx context.Context, id uint64) (*models.Order, error)
	ApplyPartialDelivery(ctx context.Context, pd pgorders.PartialDelivery) error
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Settler interface {
	ComputeSettlement(ctx context.Context, orderID uint64, deliveredItemIDs []uint64, finalPrice decimal.Decimal) (models.Settlement, error)
}

type Request struct {
	OrderID          uint64
	DeliveredItemIDs []uint64
	// FinalPrice overrides the computed price, e.g. when the customer paid less.
	FinalPrice *decimal.Decimal
}

type Pricing struct {
	Expected      decimal.Decimal  `json:"expected"`
	Final         decimal.Decimal  `json:"final"`
	Discount      decimal.Decimal  `json:"discount"`
	CourierPrice  *decimal.Decimal `json:"courierPrice,omitempty"`
	PriceMismatch bool             `json:"priceMismatch"`
}

type Result struct {
	OrderID              uint64             `json:"orderId"`
	Status               string             `json:"status"`
	AlreadyApplied       bool               `json:"alreadyApplied"`
	Pricing              Pricing            `json:"pricing"`
	DeliveredItemIDs     []uint64           `json:"deliveredItemIds"`
	PendingReturnItemIDs []uint64           `json:"pendingReturnItemIds"`
	Settlement           *models.Settlement `json:"settlement,omitempty"`
	Warnings             []string           `json:"warnings,omitempty"`
}

type Splitter struct {
	repo     Repository
	locker   Locker
	producer Producer
	settler  Settler

	topic     string
	tolerance decimal.Decimal
	lockTTL   time.Duration
	now       func() time.Time
	log       *slog.Logger
}

func New(repo Repository, locker Locker, producer Producer, settler Settler, topic string, log *slog.Logger) *Splitter {
	if log == nil {
		log = slog.Default()
	}
	return &Splitter{
		repo: repo, locker: locker, producer: producer, settler: settler, topic: topic,
		tolerance: decimal.NewFromInt(100),
		lockTTL:   30 * time.Second,
		now:       time.Now,
		log:       log.With("component", "splitter"),
	}
}

func (s *Splitter) WithSettings(tolerance float64, lockTTL time.Duration) *Splitter {
	if tolerance > 0 {
		s.tolerance = decimal.NewFromFloat(tolerance)
	}
	if lockTTL > 0 {
		s.lockTTL = lockTTL
	}
	return s
}

// Preview validates the request and computes pricing without writing anything.
func (s *Splitter) Preview(ctx context.Context, req Request) (Result, error) {
	o, err := s.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return Result{}, errors.Wrap(err, "load order")
	}
	if res, done, err := s.guard(o, req); done || err != nil {
		return res, err
	}
	plan, err := s.plan(o, req)
	if err != nil {
		return Result{}, err
	}
	return plan.result, nil
}

func (s *Splitter) Split(ctx context.Context, req Request) (Result, error) {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, rediscache.SplitLockKey(req.OrderID), s.lockTTL)
		if errors.Is(err, rediscache.ErrLocked) {
			return Result{}, ErrSplitInProgress
		}
		if err != nil {
			return Result{}, errors.Wrap(err, "acquire split lock")
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				s.log.Warn("release split lock", "order_id", req.OrderID, "err", err)
			}
		}()
	}

	o, err := s.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return Result{}, errors.Wrap(err, "load order")
	}
	if res, done, err := s.guard(o, req); done || err != nil {
		return res, err
	}

	p, err := s.plan(o, req)
	if err != nil {
		return Result{}, err
	}
	res := p.result

	now := s.now().UTC()
	for i := range p.update.Items {
		if p.update.Items[i].Status == models.ItemStatusDelivered {
			p.update.Items[i].DeliveredAt = &now
		}
	}
	p.update.AppliedAt = now
	if err := s.repo.ApplyPartialDelivery(ctx, p.update); err != nil {
		return Result{}, errors.Wrap(err, "apply partial delivery")
	}
	s.log.Info("partial delivery applied", "order_id", o.ID, "delivered", len(res.DeliveredItemIDs),
		"pending_return", len(res.PendingReturnItemIDs), "final", res.Pricing.Final.String())

	s.publish(ctx, o, res.Status, len(res.DeliveredItemIDs) > 0, now)

	if s.settler != nil {
		st, err := s.settler.ComputeSettlement(ctx, o.ID, res.DeliveredItemIDs, res.Pricing.Final)
		if err != nil {
			s.log.Warn("settlement after split failed", "order_id", o.ID, "err", err)
			res.Warnings = append(res.Warnings, "settlement failed, it will be retried: "+err.Error())
		} else {
			res.Settlement = &st
		}
	}
	return res, nil
}

// guard handles re-entry. done=true means the request is already satisfied.
func (s *Splitter) guard(o *models.Order, req Request) (Result, bool, error) {
	if o.PartialAppliedAt != nil {
		if !sameSelection(o.PartialSelection, req.DeliveredItemIDs) {
			return Result{}, false, ErrAlreadySplit
		}
		res := Result{
			OrderID:        o.ID,
			Status:         o.LocalStatus,
			AlreadyApplied: true,
			Pricing: Pricing{
				Expected:     o.FinalAmount.Add(o.Discount),
				Final:        o.FinalAmount,
				Discount:     o.Discount,
				CourierPrice: o.CourierPrice,
			},
		}
		for _, it := range o.Items {
			switch it.Status {
			case models.ItemStatusDelivered:
				res.DeliveredItemIDs = append(res.DeliveredItemIDs, it.ID)
			case models.ItemStatusPendingReturn:
				res.PendingReturnItemIDs = append(res.PendingReturnItemIDs, it.ID)
			}
		}
		return res, true, nil
	}
	if o.LocalStatus != models.OrderStatusPartialDelivery {
		return Result{}, false, ErrNotPartialDelivery
	}
	return Result{}, false, nil
}

type splitPlan struct {
	result Result
	update pgorders.PartialDelivery
}

func (s *Splitter) plan(o *models.Order, req Request) (splitPlan, error) {
	selected := make(map[uint64]struct{}, len(req.DeliveredItemIDs))
	for _, id := range req.DeliveredItemIDs {
		it := o.Item(id)
		if it == nil {
			return splitPlan{}, errors.Wrapf(ErrInvalidSelection, "item %d is not part of order %d", id, o.ID)
		}
		if _, dup := selected[id]; dup {
			return splitPlan{}, errors.Wrapf(ErrInvalidSelection, "item %d selected twice", id)
		}
		if it.Status != models.ItemStatusPending {
			return splitPlan{}, errors.Wrapf(ErrInvalidSelection, "item %d is already %s", id, it.Status)
		}
		selected[id] = struct{}{}
	}

	pricing := Price(o, req.DeliveredItemIDs, req.FinalPrice, s.tolerance)
	res := Result{OrderID: o.ID, Pricing: pricing}
	upd := pgorders.PartialDelivery{
		OrderID:         o.ID,
		ExpectedVersion: o.Version,
		FinalAmount:     pricing.Final,
		Discount:        pricing.Discount,
		Selection:       sortedIDs(req.DeliveredItemIDs),
	}

	for _, it := range o.Items {
		if _, ok := selected[it.ID]; ok {
			res.DeliveredItemIDs = append(res.DeliveredItemIDs, it.ID)
			upd.Items = append(upd.Items, pgorders.ItemChange{
				ItemID: it.ID, Status: models.ItemStatusDelivered, QuantityDelivered: it.Quantity,
			})
			upd.Movements = append(upd.Movements, models.StockMovement{
				OrderItemID: it.ID, ProductRef: it.ProductRef, VariantRef: it.VariantRef,
				Kind: models.StockMovementSold, Quantity: it.Quantity,
			})
			continue
		}
		if it.Status == models.ItemStatusPending {
			res.PendingReturnItemIDs = append(res.PendingReturnItemIDs, it.ID)
			upd.Items = append(upd.Items, pgorders.ItemChange{ItemID: it.ID, Status: models.ItemStatusPendingReturn})
		}
	}

	res.Status = models.OrderStatusDelivered
	if len(res.PendingReturnItemIDs) > 0 {
		res.Status = models.OrderStatusPartialDelivery
	}
	upd.LocalStatus = res.Status

	if pricing.PriceMismatch {
		res.Warnings = append(res.Warnings, "final price differs from the courier price by more than the tolerance")
	}
	return splitPlan{result: res, update: upd}, nil
}

// Price computes the split price: the selected lines plus the full delivery fee when
// at least one item was delivered, nothing otherwise.
func Price(o *models.Order, deliveredItemIDs []uint64, override *decimal.Decimal, tolerance decimal.Decimal) Pricing {
	expected := decimal.Zero
	for _, id := range deliveredItemIDs {
		if it := o.Item(id); it != nil {
			expected = expected.Add(it.LineTotal())
		}
	}
	if len(deliveredItemIDs) > 0 {
		expected = expected.Add(o.DeliveryFee)
	}

	p := Pricing{Expected: expected, Final: expected, Discount: decimal.Zero, CourierPrice: o.CourierPrice}
	if override != nil {
		p.Final = *override
		p.Discount = expected.Sub(*override)
	}
	// С ценой курьера сравниваем рассчитанную цену, а не скидку оператора.
	if o.CourierPrice != nil && expected.Sub(*o.CourierPrice).Abs().GreaterThan(tolerance) {
		p.PriceMismatch = true
	}
	return p
}

func (s *Splitter) publish(ctx context.Context, o *models.Order, status string, released bool, at time.Time) {
	if s.producer == nil || s.topic == "" {
		return
	}
	msg := messages.OrderStatusChanged{
		OrderID:        o.ID,
		AccountID:      o.AccountID,
		PreviousStatus: o.LocalStatus,
		Status:         status,
		StatusCode:     o.DeliveryStatusCode,
		StatusText:     o.DeliveryStatusText,
		StockReleased:  released,
		Source:         "partial_delivery",
		ChangedAt:      at,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshal status event", "order_id", o.ID, "err", err)
		return
	}
	if err := s.producer.Publish(ctx, s.topic, msg.Key(), b); err != nil {
		s.log.Warn("publish status event", "order_id", o.ID, "err", err)
	}
}

func sameSelection(a, b []uint64) bool {
	a, b = sortedIDs(a), sortedIDs(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedIDs(ids []uint64) []uint64 {
	out := append([]uint64{}, ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
