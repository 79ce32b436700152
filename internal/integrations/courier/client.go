package courier

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/pkg/errors"
)

var (
	// ErrUnauthorized means the account token was rejected; the merchant has to log in again.
	ErrUnauthorized = errors.New("courier: unauthorized")
	// ErrTransient covers rate limiting, 5xx and network failures. Retry on the next cycle.
	ErrTransient = errors.New("courier: transient failure")
)

// StatusEntry is one status report for an order as the courier returns it.
type StatusEntry struct {
	Code string
	Text string
	At   time.Time
}

type Client interface {
	// ListInvoicesSince returns invoices created or updated after since, at most limit rows.
	ListInvoicesSince(ctx context.Context, token string, since time.Time, limit int) ([]models.Invoice, error)
	GetOrderStatus(ctx context.Context, token, ref string) ([]StatusEntry, error)
}

// APIError is a non-2xx answer or an envelope with status=false.
type APIError struct {
	StatusCode int
	ErrNum     string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrNum != "" {
		return fmt.Sprintf("courier http %d %s: %s", e.StatusCode, e.ErrNum, e.Message)
	}
	return fmt.Sprintf("courier http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrTransient:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// Latest picks the newest entry; ties keep the later one in the list.
func Latest(entries []StatusEntry) (StatusEntry, bool) {
	if len(entries) == 0 {
		return StatusEntry{}, false
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if !e.At.Before(best.At) {
			best = e
		}
	}
	return best, true
}
