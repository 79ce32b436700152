package jobs

import (
	"context"
	"log/slog"
)

type Settler interface {
	SettlePending(ctx context.Context, limit int) (int, error)
}

// SettlementRetryJob computes settlements the splitter could not write.
type SettlementRetryJob struct {
	*scheduled
	settler Settler
	batch   int
}

func NewSettlementRetryJob(s Settler, spec string, batch int, log *slog.Logger) *SettlementRetryJob {
	if spec == "" {
		spec = DefaultSettlementRetrySchedule
	}
	if batch <= 0 {
		batch = 50
	}
	j := &SettlementRetryJob{settler: s, batch: batch}
	j.scheduled = newScheduled("settlement_retry_job", spec, j.RunOnce, log)
	return j
}

func (j *SettlementRetryJob) RunOnce(ctx context.Context) {
	n, err := j.settler.SettlePending(ctx, j.batch)
	if err != nil {
		j.log.Error("settlement retry failed", "settled", n, "err", err)
		return
	}
	if n > 0 {
		j.log.Info("pending settlements computed", "settled", n)
	}
}
