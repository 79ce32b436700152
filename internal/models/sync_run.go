package models

import "time"

const (
	SyncModeSmart           = "smart"
	SyncModeSpecificAccount = "specific_account"
	SyncModeComprehensive   = "comprehensive"
)

type AccountError struct {
	AccountID uint64 `json:"accountId"`
	Error     string `json:"error"`
}

type SyncRun struct {
	ID                string
	Mode              string
	AccountsProcessed int
	InvoicesSynced    int
	OrdersUpdated     int
	NeedsLogin        []uint64
	Errors            []AccountError
	StartedAt         time.Time
	Duration          time.Duration
}
