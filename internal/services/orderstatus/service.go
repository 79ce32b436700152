package orderstatus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/DeliverySync/internal/broker/messages"
	"github.com/BearBump/DeliverySync/internal/cache"
	"github.com/BearBump/DeliverySync/internal/cache/rediscache"
	"github.com/BearBump/DeliverySync/internal/deliverystatus"
	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	GetOrder(ctx context.Context, id uint64) (*models.Order, error)
}

type ItemView struct {
	ID                uint64     `json:"id"`
	ProductRef        string     `json:"productRef"`
	VariantRef        string     `json:"variantRef,omitempty"`
	Quantity          int        `json:"quantity"`
	QuantityDelivered int        `json:"quantityDelivered"`
	Status            string     `json:"status"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
}

// View is what the order screen needs to render the courier status and decide
// which actions to offer.
type View struct {
	OrderID                  uint64                    `json:"orderId"`
	Reference                string                    `json:"reference"`
	LocalStatus              string                    `json:"localStatus"`
	RequiresManualProcessing bool                      `json:"requiresManualProcessing"`
	Delivery                 deliverystatus.Resolution `json:"delivery"`
	CanSplit                 bool                      `json:"canSplit"`
	PartialAppliedAt         *time.Time                `json:"partialAppliedAt,omitempty"`
	StatusCheckedAt          *time.Time                `json:"statusCheckedAt,omitempty"`
	Items                    []ItemView                `json:"items"`
}

type Service struct {
	repo     Repository
	resolver *deliverystatus.Resolver
	cache    cache.BytesCache
	ttl      time.Duration
	log      *slog.Logger
}

func New(repo Repository, resolver *deliverystatus.Resolver, c cache.BytesCache, ttl time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, resolver: resolver, cache: c, ttl: ttl, log: log.With("component", "order_status")}
}

func (s *Service) cacheEnabled() bool { return s.cache != nil && s.ttl > 0 }

// Statuses lists the courier status catalog in code order.
func (s *Service) Statuses() []deliverystatus.Definition {
	return s.resolver.Registry().All()
}

func (s *Service) GetDeliveryStatus(ctx context.Context, orderID uint64) (View, error) {
	if orderID == 0 {
		return View{}, errors.New("orderId is required")
	}
	if s.cacheEnabled() {
		// Кэш best-effort: ошибки Redis не мешают отдать ответ из БД.
		b, ok, err := s.cache.Get(ctx, rediscache.DeliveryStatusKey(orderID))
		if err == nil && ok {
			var v View
			if json.Unmarshal(b, &v) == nil {
				return v, nil
			}
		}
	}
	return s.load(ctx, orderID)
}

func (s *Service) load(ctx context.Context, orderID uint64) (View, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return View{}, errors.Wrapf(err, "get order %d", orderID)
	}
	v := s.BuildView(o)
	if s.cacheEnabled() {
		b, _ := json.Marshal(v)
		if err := s.cache.Set(ctx, rediscache.DeliveryStatusKey(orderID), b, s.ttl); err != nil {
			s.log.Warn("cache delivery status", "order_id", orderID, "err", err)
		}
	}
	return v, nil
}

func (s *Service) BuildView(o *models.Order) View {
	res := s.resolver.Resolve(o.DeliveryStatusCode, o.DeliveryStatusText)
	v := View{
		OrderID:                  o.ID,
		Reference:                o.ExternalRef(),
		LocalStatus:              o.LocalStatus,
		RequiresManualProcessing: o.RequiresManualProcessing,
		Delivery:                 res,
		CanSplit:                 o.LocalStatus == models.OrderStatusPartialDelivery && o.PartialAppliedAt == nil,
		PartialAppliedAt:         o.PartialAppliedAt,
		StatusCheckedAt:          o.StatusCheckedAt,
		Items:                    make([]ItemView, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, ItemView{
			ID:                it.ID,
			ProductRef:        it.ProductRef,
			VariantRef:        it.VariantRef,
			Quantity:          it.Quantity,
			QuantityDelivered: it.QuantityDelivered,
			Status:            it.Status,
			DeliveredAt:       it.DeliveredAt,
		})
	}
	return v
}

func (s *Service) Invalidate(ctx context.Context, orderID uint64) error {
	if !s.cacheEnabled() {
		return nil
	}
	return errors.Wrap(s.cache.Delete(ctx, rediscache.DeliveryStatusKey(orderID)), "invalidate delivery status")
}

// HandleStatusChanged refreshes the cached view after the worker or the splitter
// changed an order.
func (s *Service) HandleStatusChanged(ctx context.Context, msg messages.OrderStatusChanged) error {
	if msg.OrderID == 0 {
		return errors.New("order_id is required")
	}
	if !s.cacheEnabled() {
		return nil
	}
	if err := s.Invalidate(ctx, msg.OrderID); err != nil {
		s.log.Warn("drop cached status", "order_id", msg.OrderID, "err", err)
	}
	if _, err := s.load(ctx, msg.OrderID); err != nil {
		return err
	}
	s.log.Debug("delivery status refreshed", "order_id", msg.OrderID, "status", msg.Status, "source", msg.Source)
	return nil
}

// Handler adapts HandleStatusChanged to the kafka consumer. Malformed payloads are
// logged and skipped so they do not block the partition.
func (s *Service) Handler(ctx context.Context) func(key, value []byte) error {
	return func(key, value []byte) error {
		var msg messages.OrderStatusChanged
		if err := json.Unmarshal(value, &msg); err != nil {
			s.log.Warn("skip malformed status event", "key", string(key), "err", err)
			return nil
		}
		if msg.OrderID == 0 {
			s.log.Warn("skip status event without order id", "key", string(key))
			return nil
		}
		return s.HandleStatusChanged(ctx, msg)
	}
}
