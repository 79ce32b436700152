package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/DeliverySync/internal/broker/messages"
	"github.com/BearBump/DeliverySync/internal/cache/rediscache"
	"github.com/BearBump/DeliverySync/internal/deliverystatus"
	"github.com/BearBump/DeliverySync/internal/integrations/courier"
	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/BearBump/DeliverySync/internal/storage/pgorders"
	"github.com/pkg/errors"
)

type Repository interface {
	ListTrackedOrders(ctx context.Context, accountID uint64, limit int) ([]*models.Order, error)
	ApplyStatusTransition(ctx context.Context, tr pgorders.StatusTransition) error
	TouchChecked(ctx context.Context, orderID uint64, at time.Time) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Outcome counts what happened to one account's slice of orders.
type Outcome struct {
	Checked     int  `json:"checked"`
	Updated     int  `json:"updated"`
	Unchanged   int  `json:"unchanged"`
	Anomalies   int  `json:"anomalies"`
	Failed      int  `json:"failed"`
	RateLimited bool `json:"rateLimited"`
}

type Reconciler struct {
	repo     Repository
	courier  courier.Client
	resolver *deliverystatus.Resolver
	producer Producer
	rl       RateLimiter

	topic              string
	ordersPerCycle     int
	rateLimitPerMinute int64

	now func() time.Time
	log *slog.Logger
}

func New(repo Repository, c courier.Client, resolver *deliverystatus.Resolver, producer Producer, rl RateLimiter, topic string, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		repo: repo, courier: c, resolver: resolver, producer: producer, rl: rl, topic: topic,
		ordersPerCycle:     100,
		rateLimitPerMinute: 60,
		now:                time.Now,
		log:                log.With("component", "reconciler"),
	}
}

func (r *Reconciler) WithSettings(ordersPerCycle int, rateLimitPerMinute int64) *Reconciler {
	if ordersPerCycle > 0 {
		r.ordersPerCycle = ordersPerCycle
	}
	if rateLimitPerMinute > 0 {
		r.rateLimitPerMinute = rateLimitPerMinute
	}
	return r
}

// ReconcileAccount checks the least recently checked orders of the account against
// the courier. An expired token aborts the account with courier.ErrUnauthorized;
// other per-order failures are counted and the slice goes on.
func (r *Reconciler) ReconcileAccount(ctx context.Context, acc *models.Account) (Outcome, error) {
	var out Outcome

	orders, err := r.repo.ListTrackedOrders(ctx, acc.ID, r.ordersPerCycle)
	if err != nil {
		return out, errors.Wrap(err, "list tracked orders")
	}

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		if !r.allow(ctx, acc.ID) {
			out.RateLimited = true
			r.log.Warn("courier rate limit reached, deferring rest of slice",
				"account_id", acc.ID, "left", len(orders)-out.Checked)
			break
		}

		updated, err := r.reconcileOrder(ctx, acc, o, &out)
		out.Checked++
		if errors.Is(err, courier.ErrUnauthorized) {
			return out, errors.Wrapf(err, "account %d", acc.ID)
		}
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			out.Failed++
			r.log.Warn("reconcile order", "account_id", acc.ID, "order_id", o.ID, "err", err)
			continue
		}
		if updated {
			out.Updated++
		}
	}
	return out, nil
}

func (r *Reconciler) reconcileOrder(ctx context.Context, acc *models.Account, o *models.Order, out *Outcome) (bool, error) {
	now := r.now().UTC()

	ref := o.ExternalRef()
	if ref == "" {
		out.Anomalies++
		r.log.Warn("order has no courier reference", "order_id", o.ID)
		return false, r.touch(ctx, o.ID, now)
	}

	entries, err := r.courier.GetOrderStatus(ctx, acc.CourierToken, ref)
	if err != nil {
		return false, errors.Wrap(err, "get order status")
	}
	latest, ok := courier.Latest(entries)
	if !ok {
		out.Unchanged++
		return false, r.touch(ctx, o.ID, now)
	}

	res := r.resolver.Resolve(latest.Code, latest.Text)
	if !res.State.IsKnown() {
		out.Anomalies++
		r.log.Warn("unresolvable courier status", "order_id", o.ID, "code", latest.Code, "text", latest.Text)
		return false, r.touch(ctx, o.ID, now)
	}
	if unchanged(o, res) {
		out.Unchanged++
		return false, r.touch(ctx, o.ID, now)
	}

	tr := PlanTransition(o, res, now)
	if tr.Code == o.DeliveryStatusCode && tr.LocalStatus == o.LocalStatus {
		out.Unchanged++
		return false, r.touch(ctx, o.ID, now)
	}

	if err := r.repo.ApplyStatusTransition(ctx, tr); err != nil {
		if errors.Is(err, pgorders.ErrStaleOrder) {
			// Заказ поменяли параллельно; проверим его снова в следующем цикле.
			r.log.Info("order changed concurrently, skipping", "order_id", o.ID)
			out.Unchanged++
			return false, nil
		}
		if errors.Is(err, pgorders.ErrInsufficientStock) {
			r.log.Error("stock ledger out of sync", "order_id", o.ID, "err", err)
		}
		return false, errors.Wrap(err, "apply status transition")
	}

	r.log.Info("order status changed", "order_id", o.ID, "from", o.LocalStatus, "to", tr.LocalStatus,
		"code", tr.Code, "movements", len(tr.Movements))
	r.publish(ctx, acc, o, tr, res)
	return true, nil
}

func (r *Reconciler) touch(ctx context.Context, orderID uint64, at time.Time) error {
	return errors.Wrap(r.repo.TouchChecked(ctx, orderID, at), "touch order")
}

func (r *Reconciler) allow(ctx context.Context, accountID uint64) bool {
	if r.rl == nil || r.rateLimitPerMinute <= 0 {
		return true
	}
	allowed, n, err := r.rl.Allow(ctx, rediscache.CourierCallsKey(accountID, r.now()), r.rateLimitPerMinute, 70*time.Second)
	if err != nil {
		// Без Redis работаем без лимита, курьер сам ответит 429.
		r.log.Warn("rate limiter unavailable", "err", err)
		return true
	}
	if !allowed {
		r.log.Debug("rate limit exceeded", "account_id", accountID, "count", n)
	}
	return allowed
}

func (r *Reconciler) publish(ctx context.Context, acc *models.Account, o *models.Order, tr pgorders.StatusTransition, res deliverystatus.Resolution) {
	if r.producer == nil || r.topic == "" {
		return
	}
	msg := messages.OrderStatusChanged{
		OrderID:                  o.ID,
		AccountID:                acc.ID,
		PreviousStatus:           o.LocalStatus,
		Status:                   tr.LocalStatus,
		StatusCode:               tr.Code,
		StatusText:               tr.Text,
		RequiresManualProcessing: tr.RequiresManualProcessing,
		StockReleased:            res.ReleasesStock && len(tr.Movements) > 0,
		Source:                   "reconciler",
		ChangedAt:                tr.CheckedAt,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("marshal status event", "order_id", o.ID, "err", err)
		return
	}
	if err := r.producer.Publish(ctx, r.topic, msg.Key(), b); err != nil {
		r.log.Warn("publish status event", "order_id", o.ID, "err", err)
	}
}
