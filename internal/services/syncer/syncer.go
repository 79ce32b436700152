package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/DeliverySync/internal/broker/messages"
	"github.com/BearBump/DeliverySync/internal/integrations/courier"
	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/BearBump/DeliverySync/internal/services/reconciler"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidRequest = errors.New("invalid sync request")

type Repository interface {
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	GetAccount(ctx context.Context, id uint64) (*models.Account, error)
	GetCursor(ctx context.Context, accountID uint64) (models.SyncCursor, error)
	SaveCursor(ctx context.Context, c models.SyncCursor) error
	UpsertInvoices(ctx context.Context, accountID uint64, invoices []models.Invoice) (int, error)
	InsertSyncRun(ctx context.Context, run models.SyncRun) error
}

type Reconciler interface {
	ReconcileAccount(ctx context.Context, acc *models.Account) (reconciler.Outcome, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Request struct {
	Mode         string `json:"mode"`
	AccountID    uint64 `json:"accountId,omitempty"`
	ForceRefresh bool   `json:"forceRefresh"`
	SyncInvoices bool   `json:"syncInvoices"`
	SyncOrders   bool   `json:"syncOrders"`
}

type Result struct {
	RunID             string                `json:"runId"`
	Mode              string                `json:"mode"`
	AccountsProcessed int                   `json:"accountsProcessed"`
	AccountsSkipped   int                   `json:"accountsSkipped"`
	InvoicesSynced    int                   `json:"invoicesSynced"`
	OrdersUpdated     int                   `json:"ordersUpdated"`
	NeedsLogin        []uint64              `json:"needsLogin"`
	Errors            []models.AccountError `json:"errors"`
	DurationSeconds   float64               `json:"durationSeconds"`
}

type Config struct {
	Debounce               time.Duration // default: 3 minutes
	ForceRefreshWindow     time.Duration // default: 60 days
	BootstrapWindow        time.Duration // default: 7 days
	PageSize               int           // default: 50
	FullConcurrency        int           // default: 3
	IncrementalConcurrency int           // default: 10
	AccountTimeout         time.Duration // default: 2 minutes
}

func DefaultConfig() Config {
	return Config{
		Debounce:               3 * time.Minute,
		ForceRefreshWindow:     60 * 24 * time.Hour,
		BootstrapWindow:        7 * 24 * time.Hour,
		PageSize:               50,
		FullConcurrency:        3,
		IncrementalConcurrency: 10,
		AccountTimeout:         2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.ForceRefreshWindow <= 0 {
		c.ForceRefreshWindow = def.ForceRefreshWindow
	}
	if c.BootstrapWindow <= 0 {
		c.BootstrapWindow = def.BootstrapWindow
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.FullConcurrency <= 0 {
		c.FullConcurrency = def.FullConcurrency
	}
	if c.IncrementalConcurrency <= 0 {
		c.IncrementalConcurrency = def.IncrementalConcurrency
	}
	if c.AccountTimeout <= 0 {
		c.AccountTimeout = def.AccountTimeout
	}
	return c
}

type Syncer struct {
	repo       Repository
	courier    courier.Client
	reconciler Reconciler
	producer   Producer
	topic      string
	cfg        Config

	runMu     sync.Mutex
	triggerCh chan Request
	now       func() time.Time
	log       *slog.Logger

	startedAtUnixNano   int64
	lastRunUnixNano     atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalRuns           atomic.Int64
	totalAccounts       atomic.Int64
	totalInvoices       atomic.Int64
	totalOrders         atomic.Int64
	totalErrors         atomic.Int64
	running             atomic.Bool
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, c courier.Client, rec Reconciler, producer Producer, topic string, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		repo: repo, courier: c, reconciler: rec, producer: producer, topic: topic,
		cfg:               DefaultConfig(),
		triggerCh:         make(chan Request, 1),
		now:               time.Now,
		log:               log.With("component", "syncer"),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Syncer) WithConfig(cfg Config) *Syncer {
	s.cfg = cfg.withDefaults()
	return s
}

func (s *Syncer) Config() Config { return s.cfg }

func (r Request) normalize() (Request, error) {
	switch r.Mode {
	case "":
		r.Mode = models.SyncModeSmart
	case models.SyncModeSmart, models.SyncModeSpecificAccount, models.SyncModeComprehensive:
	default:
		return r, errors.Wrapf(ErrInvalidRequest, "unknown mode %q", r.Mode)
	}
	if r.Mode == models.SyncModeSpecificAccount && r.AccountID == 0 {
		return r, errors.Wrap(ErrInvalidRequest, "specific_account needs accountId")
	}
	if r.Mode == models.SyncModeComprehensive {
		r.ForceRefresh = true
	}
	if !r.SyncInvoices && !r.SyncOrders {
		r.SyncInvoices, r.SyncOrders = true, true
	}
	return r, nil
}

// Sync runs one batch cycle. Per-account failures end up in Result.Errors or
// Result.NeedsLogin; only a bad request or an unreadable account list is returned
// as an error. Runs are serialized.
func (s *Syncer) Sync(ctx context.Context, req Request) (Result, error) {
	req, err := req.normalize()
	if err != nil {
		return Result{}, err
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.running.Store(true)
	defer s.running.Store(false)

	started := s.now().UTC()
	s.lastRunUnixNano.Store(started.UnixNano())
	res := Result{
		RunID:      uuid.NewString(),
		Mode:       req.Mode,
		NeedsLogin: []uint64{},
		Errors:     []models.AccountError{},
	}

	accounts, err := s.accounts(ctx, req)
	if err != nil {
		s.setLastError(err)
		return res, err
	}

	limit := s.cfg.IncrementalConcurrency
	if req.ForceRefresh {
		limit = s.cfg.FullConcurrency
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(limit)
	for _, acc := range accounts {
		if !acc.HasValidToken(started) {
			s.log.Warn("account needs login", "account_id", acc.ID)
			mu.Lock()
			res.NeedsLogin = append(res.NeedsLogin, acc.ID)
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			out := s.syncAccount(ctx, acc, req)

			mu.Lock()
			defer mu.Unlock()
			out.mergeInto(&res)
			return nil
		})
	}
	_ = g.Wait()

	elapsed := s.now().UTC().Sub(started)
	res.DurationSeconds = elapsed.Seconds()

	s.totalRuns.Add(1)
	s.totalAccounts.Add(int64(res.AccountsProcessed))
	s.totalInvoices.Add(int64(res.InvoicesSynced))
	s.totalOrders.Add(int64(res.OrdersUpdated))
	s.totalErrors.Add(int64(len(res.Errors)))
	if n := len(res.Errors); n > 0 {
		s.lastErrorMu.Lock()
		s.lastError = res.Errors[n-1].Error
		s.lastErrorMu.Unlock()
	}

	run := models.SyncRun{
		ID:                res.RunID,
		Mode:              res.Mode,
		AccountsProcessed: res.AccountsProcessed,
		InvoicesSynced:    res.InvoicesSynced,
		OrdersUpdated:     res.OrdersUpdated,
		NeedsLogin:        res.NeedsLogin,
		Errors:            res.Errors,
		StartedAt:         started,
		Duration:          elapsed,
	}
	// Журнал запусков пишем даже если контекст уже отменён.
	if err := s.repo.InsertSyncRun(context.WithoutCancel(ctx), run); err != nil {
		s.log.Error("insert sync run", "run_id", res.RunID, "err", err)
	}
	s.publish(ctx, res, started.Add(elapsed))

	s.log.Info("sync finished",
		"run_id", res.RunID, "mode", res.Mode,
		"accounts", res.AccountsProcessed, "skipped", res.AccountsSkipped,
		"invoices", res.InvoicesSynced, "orders", res.OrdersUpdated,
		"needs_login", len(res.NeedsLogin), "errors", len(res.Errors),
		"duration", elapsed)
	return res, nil
}

func (s *Syncer) accounts(ctx context.Context, req Request) ([]*models.Account, error) {
	if req.Mode == models.SyncModeSpecificAccount {
		acc, err := s.repo.GetAccount(ctx, req.AccountID)
		if err != nil {
			return nil, errors.Wrapf(err, "get account %d", req.AccountID)
		}
		return []*models.Account{acc}, nil
	}
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	return accounts, nil
}

type accountResult struct {
	accountID  uint64
	skipped    bool
	processed  bool
	invoices   int
	orders     int
	needsLogin bool
	errs       []string
}

func (a accountResult) mergeInto(res *Result) {
	switch {
	case a.skipped:
		res.AccountsSkipped++
	case a.processed:
		res.AccountsProcessed++
	}
	res.InvoicesSynced += a.invoices
	res.OrdersUpdated += a.orders
	if a.needsLogin {
		res.NeedsLogin = append(res.NeedsLogin, a.accountID)
	}
	for _, e := range a.errs {
		res.Errors = append(res.Errors, models.AccountError{AccountID: a.accountID, Error: e})
	}
}

func (s *Syncer) syncAccount(ctx context.Context, acc *models.Account, req Request) accountResult {
	out := accountResult{accountID: acc.ID}
	log := s.log.With("account_id", acc.ID)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AccountTimeout)
	defer cancel()

	now := s.now().UTC()
	cur, err := s.repo.GetCursor(ctx, acc.ID)
	if err != nil {
		out.errs = append(out.errs, errors.Wrap(err, "get cursor").Error())
		return out
	}

	if !req.ForceRefresh && cur.LastSmartSyncAt != nil && now.Sub(*cur.LastSmartSyncAt) < s.cfg.Debounce {
		log.Debug("account synced recently, skipping", "last_sync_at", cur.LastSmartSyncAt)
		out.skipped = true
		return out
	}
	out.processed = true

	if req.SyncInvoices {
		n, err := s.syncInvoices(ctx, acc, cur, req.ForceRefresh, now)
		if err != nil {
			s.recordFailure(log, &out, "sync invoices", err)
			// Курсор не трогаем: то же окно повторится в следующем цикле.
			return out
		}
		out.invoices = n
	} else {
		if err := s.repo.SaveCursor(ctx, models.SyncCursor{AccountID: acc.ID, LastSmartSyncAt: &now}); err != nil {
			out.errs = append(out.errs, errors.Wrap(err, "save cursor").Error())
		}
	}

	if req.SyncOrders && s.reconciler != nil {
		o, err := s.reconciler.ReconcileAccount(ctx, acc)
		out.orders = o.Updated
		if err != nil {
			s.recordFailure(log, &out, "reconcile orders", err)
			return out
		}
		if o.Failed > 0 {
			log.Warn("some orders were not reconciled", "failed", o.Failed, "checked", o.Checked)
		}
	}
	return out
}

func (s *Syncer) recordFailure(log *slog.Logger, out *accountResult, op string, err error) {
	if errors.Is(err, courier.ErrUnauthorized) {
		log.Warn("courier rejected token", "op", op, "err", err)
		out.needsLogin = true
		return
	}
	log.Warn(op, "err", err)
	out.errs = append(out.errs, errors.Wrap(err, op).Error())
}

// window returns the lower bound of the invoice fetch.
func (s *Syncer) window(cur models.SyncCursor, force bool, now time.Time) time.Time {
	switch {
	case force:
		return now.Add(-s.cfg.ForceRefreshWindow)
	case cur.LastInvoiceDate != nil:
		return cur.LastInvoiceDate.UTC()
	default:
		return now.Add(-s.cfg.BootstrapWindow)
	}
}

func (s *Syncer) syncInvoices(ctx context.Context, acc *models.Account, cur models.SyncCursor, force bool, now time.Time) (int, error) {
	since := s.window(cur, force, now)

	fetched, err := s.courier.ListInvoicesSince(ctx, acc.CourierToken, since, s.cfg.PageSize)
	if err != nil {
		return 0, errors.Wrap(err, "list invoices")
	}

	batch := make([]models.Invoice, 0, len(fetched))
	var maxSeen *time.Time
	for _, inv := range fetched {
		t := inv.SyncTime()
		if !t.After(since) {
			continue
		}
		inv.AccountID = acc.ID
		batch = append(batch, inv)
		if maxSeen == nil || t.After(*maxSeen) {
			tt := t
			maxSeen = &tt
		}
	}
	if dropped := len(fetched) - len(batch); dropped > 0 {
		s.log.Warn("courier returned invoices outside the window", "account_id", acc.ID, "dropped", dropped, "since", since)
	}

	n := 0
	if len(batch) > 0 {
		n, err = s.repo.UpsertInvoices(ctx, acc.ID, batch)
		if err != nil {
			return 0, errors.Wrap(err, "upsert invoices")
		}
	}

	// Пустая пачка двигает только last_smart_sync_at.
	if err := s.repo.SaveCursor(ctx, models.SyncCursor{
		AccountID:       acc.ID,
		LastSmartSyncAt: &now,
		LastInvoiceDate: maxSeen,
	}); err != nil {
		return n, errors.Wrap(err, "save cursor")
	}
	return n, nil
}

func (s *Syncer) publish(ctx context.Context, res Result, finished time.Time) {
	if s.producer == nil || s.topic == "" {
		return
	}
	msg := messages.SyncCompleted{
		RunID:             res.RunID,
		Mode:              res.Mode,
		AccountsProcessed: res.AccountsProcessed,
		InvoicesSynced:    res.InvoicesSynced,
		OrdersUpdated:     res.OrdersUpdated,
		NeedsLogin:        res.NeedsLogin,
		DurationSeconds:   res.DurationSeconds,
		FinishedAt:        finished,
	}
	for _, e := range res.Errors {
		msg.Errors = append(msg.Errors, messages.AccountError{AccountID: e.AccountID, Error: e.Error})
	}
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshal sync event", "err", err)
		return
	}
	if err := s.producer.Publish(ctx, s.topic, msg.Key(), b); err != nil {
		s.log.Warn("publish sync event", "run_id", res.RunID, "err", err)
	}
}

func (s *Syncer) setLastError(err error) {
	s.totalErrors.Add(1)
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}
