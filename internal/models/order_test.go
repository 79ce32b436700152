package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestOrder_ExternalRefPriority(t *testing.T) {
	o := &Order{OrderNumber: "N-1"}
	require.Equal(t, "N-1", o.ExternalRef())

	o.DeliveryPartnerOrderID = "P-1"
	require.Equal(t, "P-1", o.ExternalRef())

	o.QRID = "QR-1"
	require.Equal(t, "QR-1", o.ExternalRef())

	o.TrackingNumber = "TRK-1"
	require.Equal(t, "TRK-1", o.ExternalRef())

	require.Empty(t, (&Order{}).ExternalRef())
}

func TestOrder_IsTerminal(t *testing.T) {
	require.True(t, (&Order{LocalStatus: OrderStatusDelivered}).IsTerminal())
	require.True(t, (&Order{LocalStatus: OrderStatusReturnedInStock}).IsTerminal())
	require.False(t, (&Order{LocalStatus: OrderStatusPartialDelivery}).IsTerminal())
	require.False(t, (&Order{LocalStatus: OrderStatusReturned}).IsTerminal())
}

func TestOrderItem_Lines(t *testing.T) {
	it := &OrderItem{Quantity: 3, UnitPrice: decimal.NewFromInt(5000), UnitCost: decimal.NewFromInt(2000)}
	require.True(t, decimal.NewFromInt(15000).Equal(it.LineTotal()))
	require.True(t, decimal.NewFromInt(6000).Equal(it.LineCost()))

	o := &Order{Items: []*OrderItem{{ID: 7}, it}}
	require.NotNil(t, o.Item(7))
	require.Nil(t, o.Item(8))
}

func TestAccount_HasValidToken(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	require.False(t, (&Account{}).HasValidToken(now))
	require.True(t, (&Account{CourierToken: "t"}).HasValidToken(now))
	require.True(t, (&Account{CourierToken: "t", TokenExpiresAt: &future}).HasValidToken(now))
	require.False(t, (&Account{CourierToken: "t", TokenExpiresAt: &past}).HasValidToken(now))
}

func TestInvoice_SyncTime(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	inv := &Invoice{RemoteCreatedAt: created}
	require.Equal(t, created, inv.SyncTime())

	updated := created.Add(time.Hour)
	inv.RemoteUpdatedAt = &updated
	require.Equal(t, updated, inv.SyncTime())

	older := created.Add(-time.Hour)
	inv.RemoteUpdatedAt = &older
	require.Equal(t, created, inv.SyncTime())
}
