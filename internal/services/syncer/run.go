package syncer

import (
	"context"
	"time"
)

// Trigger queues an out-of-schedule run (best-effort, non-blocking). While a run is
// already queued further triggers are dropped.
func (s *Syncer) Trigger(req Request) bool {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- req:
		return true
	default:
		return false
	}
}

// Run serves triggered runs until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.triggerCh:
			if _, err := s.Sync(ctx, req); err != nil {
				s.log.Error("triggered sync", "mode", req.Mode, "err", err)
			}
		}
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	Running       bool       `json:"running"`
	TotalRuns     int64      `json:"totalRuns"`
	TotalAccounts int64      `json:"totalAccounts"`
	TotalInvoices int64      `json:"totalInvoices"`
	TotalOrders   int64      `json:"totalOrders"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Syncer) Stats() Stats {
	st := Stats{
		StartedAt:     time.Unix(0, s.startedAtUnixNano).UTC(),
		Running:       s.running.Load(),
		TotalRuns:     s.totalRuns.Load(),
		TotalAccounts: s.totalAccounts.Load(),
		TotalInvoices: s.totalInvoices.Load(),
		TotalOrders:   s.totalOrders.Load(),
		TotalErrors:   s.totalErrors.Load(),
	}
	if n := s.lastRunUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastRunAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}
