package fake

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/DeliverySync/internal/integrations/courier"
	"github.com/stretchr/testify/require"
)

func TestFakeClient_GetOrderStatus(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New().WithClock(func() time.Time { return now })

	a, err := c.GetOrderStatus(context.Background(), "tok", "TRK-1")
	require.NoError(t, err)
	require.NotEmpty(t, a)
	require.Equal(t, "1", a[0].Code)

	b, err := c.GetOrderStatus(context.Background(), "tok", "TRK-1")
	require.NoError(t, err)
	require.Equal(t, a, b)

	latest, ok := courier.Latest(a)
	require.True(t, ok)
	require.Equal(t, a[len(a)-1], latest)
}

func TestFakeClient_ListInvoicesSince(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	c := New().WithClock(func() time.Time { return now })

	invs, err := c.ListInvoicesSince(context.Background(), "tok", now.Add(-5*time.Hour), 50)
	require.NoError(t, err)
	require.Len(t, invs, 5)
	for _, inv := range invs {
		require.True(t, inv.RemoteCreatedAt.After(now.Add(-5*time.Hour)))
		require.False(t, inv.RemoteCreatedAt.After(now))
	}

	invs, err = c.ListInvoicesSince(context.Background(), "tok", now.Add(-5*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, invs, 2)
}

func TestFakeClient_ExpiredToken(t *testing.T) {
	c := New()
	_, err := c.GetOrderStatus(context.Background(), ExpiredToken, "x")
	require.ErrorIs(t, err, courier.ErrUnauthorized)
	_, err = c.ListInvoicesSince(context.Background(), "", time.Now(), 10)
	require.ErrorIs(t, err, courier.ErrUnauthorized)
}
