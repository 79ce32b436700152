package models

import "time"

// Account is a merchant account that talks to the courier with its own token.
type Account struct {
	ID             uint64
	Name           string
	CourierToken   string
	TokenExpiresAt *time.Time
}

func (a *Account) HasValidToken(now time.Time) bool {
	if a.CourierToken == "" {
		return false
	}
	return a.TokenExpiresAt == nil || a.TokenExpiresAt.After(now)
}

type SyncCursor struct {
	AccountID       uint64
	LastSmartSyncAt *time.Time
	LastInvoiceDate *time.Time
}
