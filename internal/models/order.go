package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Локальные статусы заказа совпадают с каноническими состояниями курьера.
const (
	OrderStatusPending         = "pending"
	OrderStatusShipped         = "shipped"
	OrderStatusDelivery        = "delivery"
	OrderStatusDelivered       = "delivered"
	OrderStatusReturned        = "returned"
	OrderStatusReturnedInStock = "returned_in_stock"
	OrderStatusPartialDelivery = "partial_delivery"
)

const (
	ItemStatusPending       = "pending"
	ItemStatusDelivered     = "delivered"
	ItemStatusPendingReturn = "pending_return"
	ItemStatusReturned      = "returned"
)

type Order struct {
	ID        uint64
	AccountID uint64

	DeliveryPartnerOrderID string
	TrackingNumber         string
	QRID                   string
	OrderNumber            string

	LocalStatus              string
	DeliveryStatusCode       string
	DeliveryStatusText       string
	RequiresManualProcessing bool

	Items []*OrderItem

	TotalAmount  decimal.Decimal
	FinalAmount  decimal.Decimal
	Discount     decimal.Decimal
	DeliveryFee  decimal.Decimal
	CourierPrice *decimal.Decimal

	EmployeeID *uint64
	Version    int64

	// Позиции, отмеченные доставленными при ручном разборе частичной доставки.
	PartialSelection []uint64
	PartialAppliedAt *time.Time
	StatusCheckedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type OrderItem struct {
	ID         uint64
	OrderID    uint64
	ProductRef string
	VariantRef string

	Quantity  int
	UnitPrice decimal.Decimal
	UnitCost  decimal.Decimal

	Status            string
	QuantityDelivered int
	DeliveredAt       *time.Time
}

// ExternalRef returns the reference used to ask the courier about the order:
// tracking number, then QR id, then partner order id, then order number.
func (o *Order) ExternalRef() string {
	for _, ref := range []string{o.TrackingNumber, o.QRID, o.DeliveryPartnerOrderID, o.OrderNumber} {
		if ref != "" {
			return ref
		}
	}
	return ""
}

// IsTerminal reports whether the courier has nothing more to say about the order.
func (o *Order) IsTerminal() bool {
	switch o.LocalStatus {
	case OrderStatusDelivered, OrderStatusReturnedInStock:
		return true
	default:
		return false
	}
}

func (o *Order) Item(id uint64) *OrderItem {
	for _, it := range o.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (it *OrderItem) LineTotal() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

func (it *OrderItem) LineCost() decimal.Decimal {
	return it.UnitCost.Mul(decimal.NewFromInt(int64(it.Quantity)))
}
