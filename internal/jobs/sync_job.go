package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/BearBump/DeliverySync/internal/services/syncer"
)

const (
	DefaultSyncSchedule            = "@every 5m"
	DefaultSettlementRetrySchedule = "@every 15m"
)

type Syncer interface {
	Sync(ctx context.Context, req syncer.Request) (syncer.Result, error)
}

// SmartSyncJob runs the incremental sync of every account.
type SmartSyncJob struct {
	*scheduled
	syncer Syncer
}

func NewSmartSyncJob(s Syncer, spec string, log *slog.Logger) *SmartSyncJob {
	if spec == "" {
		spec = DefaultSyncSchedule
	}
	j := &SmartSyncJob{syncer: s}
	j.scheduled = newScheduled("smart_sync_job", spec, j.RunOnce, log)
	return j
}

func (j *SmartSyncJob) RunOnce(ctx context.Context) {
	started := time.Now()
	res, err := j.syncer.Sync(ctx, syncer.Request{Mode: models.SyncModeSmart})
	if err != nil {
		j.log.Error("smart sync failed", "err", err)
		return
	}
	if len(res.Errors) > 0 || len(res.NeedsLogin) > 0 {
		j.log.Warn("smart sync finished with problems",
			"run_id", res.RunID, "errors", len(res.Errors), "needs_login", len(res.NeedsLogin))
	}
	j.log.Debug("smart sync tick done", "run_id", res.RunID, "took", time.Since(started))
}
