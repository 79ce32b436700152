// Package jobs schedules the background work of the sync worker with
// github.com/robfig/cron/v3.
//
// # Available Jobs
//
//  1. SmartSyncJob - runs the smart sync cycle (invoices + order statuses) on sync.cron
//  2. SettlementRetryJob - settles split orders whose settlement failed, on settlement.retry_cron
//
// # Usage
//
//	jm := jobs.NewJobManager(
//		jobs.NewSmartSyncJob(syncer, cfg.Sync.Cron, logger),
//		jobs.NewSettlementRetryJob(settler, cfg.Settlement.RetryCron, batch, logger),
//	)
//	if err := jm.StartAll(); err != nil {
//		return err
//	}
//	defer jm.StopAll()
//
// # Overlap
//
// Every job is wrapped with cron.SkipIfStillRunning: a tick that fires while the
// previous run of the same job is still in progress is dropped, not queued.
package jobs
