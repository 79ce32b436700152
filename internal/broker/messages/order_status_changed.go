package messages

import (
	"strconv"
	"time"
)

// OrderStatusChanged is published after a status transition or a partial-delivery
// split is committed.
type OrderStatusChanged struct {
	OrderID   uint64 `json:"order_id"`
	AccountID uint64 `json:"account_id"`

	PreviousStatus string `json:"previous_status"`
	Status         string `json:"status"`
	StatusCode     string `json:"status_code,omitempty"`
	StatusText     string `json:"status_text,omitempty"`

	RequiresManualProcessing bool `json:"requires_manual_processing"`
	StockReleased            bool `json:"stock_released"`

	// "reconciler" или "partial_delivery"
	Source    string    `json:"source"`
	ChangedAt time.Time `json:"changed_at"`
}

func (m OrderStatusChanged) Key() []byte {
	return []byte(strconv.FormatUint(m.OrderID, 10))
}
