package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Invoice struct {
	AccountID  uint64
	ExternalID string

	MerchantPrice decimal.Decimal
	DeliveryPrice decimal.Decimal
	OrdersCount   int
	Status        string

	RemoteCreatedAt time.Time
	RemoteUpdatedAt *time.Time
}

// SyncTime is the moment the cursor compares against.
func (i *Invoice) SyncTime() time.Time {
	if i.RemoteUpdatedAt != nil && i.RemoteUpdatedAt.After(i.RemoteCreatedAt) {
		return *i.RemoteUpdatedAt
	}
	return i.RemoteCreatedAt
}

type InvoiceTotals struct {
	Count         int
	MerchantPrice decimal.Decimal
	DeliveryPrice decimal.Decimal
}
