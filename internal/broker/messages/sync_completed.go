package messages

import "time"

type SyncCompleted struct {
	RunID             string         `json:"run_id"`
	Mode              string         `json:"mode"`
	AccountsProcessed int            `json:"accounts_processed"`
	InvoicesSynced    int            `json:"invoices_synced"`
	OrdersUpdated     int            `json:"orders_updated"`
	NeedsLogin        []uint64       `json:"needs_login,omitempty"`
	Errors            []AccountError `json:"errors,omitempty"`
	DurationSeconds   float64        `json:"duration_seconds"`
	FinishedAt        time.Time      `json:"finished_at"`
}

type AccountError struct {
	AccountID uint64 `json:"account_id"`
	Error     string `json:"error"`
}

func (m SyncCompleted) Key() []byte { return []byte(m.RunID) }
