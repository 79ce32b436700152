package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// reserved -> sold
	StockMovementSold = "sold"
	// reserved -> available
	StockMovementRestock = "restock"
)

type StockLevel struct {
	ProductRef string
	VariantRef string
	Available  int
	Reserved   int
	Sold       int
}

type StockMovement struct {
	OrderItemID uint64
	ProductRef  string
	VariantRef  string
	Kind        string
	Quantity    int
}

type Settlement struct {
	OrderID          uint64
	FinalPrice       decimal.Decimal
	Revenue          decimal.Decimal
	EmployeeProfit   decimal.Decimal
	SystemProfit     decimal.Decimal
	DeliveredItemIDs []uint64
	SettledAt        time.Time
}
