package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/BearBump/DeliverySync/internal/integrations/courier"
	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/shopspring/decimal"
)

// ExpiredToken is rejected like a logged-out session.
const ExpiredToken = "expired"

// Заказ двигается по этой цепочке; на каком шаге он сейчас, решает хеш ссылки.
var progression = []string{"1", "2", "5", "7", "3", "4", "41"}

// FakeClient — детерминированный курьер для локального запуска без внешнего API.
type FakeClient struct {
	now func() time.Time
}

func New() *FakeClient { return &FakeClient{now: time.Now} }

func (f *FakeClient) WithClock(now func() time.Time) *FakeClient {
	f.now = now
	return f
}

func (f *FakeClient) ListInvoicesSince(ctx context.Context, token string, since time.Time, limit int) ([]models.Invoice, error) {
	if token == "" || token == ExpiredToken {
		return nil, &courier.APIError{StatusCode: 401, Message: "token expired"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Один счёт на каждый полный час после since.
	now := f.now().UTC()
	var out []models.Invoice
	at := since.UTC().Truncate(time.Hour).Add(time.Hour)
	for !at.After(now) && len(out) < limit {
		v := hash(token, at.Format(time.RFC3339))
		out = append(out, models.Invoice{
			ExternalID:      fmt.Sprintf("INV-%d", v%1_000_000),
			MerchantPrice:   decimal.NewFromInt(int64(10_000 + (v%20)*1_000)),
			DeliveryPrice:   decimal.NewFromInt(3_000),
			OrdersCount:     int(v%5) + 1,
			Status:          "paid",
			RemoteCreatedAt: at,
		})
		at = at.Add(time.Hour)
	}
	return out, nil
}

func (f *FakeClient) GetOrderStatus(ctx context.Context, token, ref string) ([]courier.StatusEntry, error) {
	if token == "" || token == ExpiredToken {
		return nil, &courier.APIError{StatusCode: 401, Message: "token expired"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	step := int(hash(token, ref) % uint32(len(progression)))
	start := f.now().UTC().Add(-time.Duration(step+1) * time.Hour)
	entries := make([]courier.StatusEntry, 0, step+1)
	for i := 0; i <= step; i++ {
		entries = append(entries, courier.StatusEntry{
			Code: progression[i],
			At:   start.Add(time.Duration(i) * time.Hour),
		})
	}
	return entries, nil
}

func hash(parts ...string) uint32 {
	h := fnv.New32a()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte("|"))
		}
		_, _ = h.Write([]byte(p))
	}
	return h.Sum32()
}
