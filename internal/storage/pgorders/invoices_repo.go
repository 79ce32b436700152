package pgorders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// UpsertInvoices writes the batch in one transaction keyed by (account, external id)
// and returns how many rows were inserted or actually changed. Replaying the same
// batch leaves the table unchanged and returns 0.
func (s *Storage) UpsertInvoices(ctx context.Context, accountID uint64, invoices []models.Invoice) (int, error) {
	if len(invoices) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n := 0
	for _, inv := range invoices {
		tag, err := tx.Exec(ctx, `
INSERT INTO invoices (
  account_id, external_id, merchant_price, delivery_price, orders_count, status,
  remote_created_at, remote_updated_at, synced_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (account_id, external_id) DO UPDATE SET
  merchant_price = EXCLUDED.merchant_price,
  delivery_price = EXCLUDED.delivery_price,
  orders_count = EXCLUDED.orders_count,
  status = EXCLUDED.status,
  remote_created_at = EXCLUDED.remote_created_at,
  remote_updated_at = EXCLUDED.remote_updated_at,
  synced_at = EXCLUDED.synced_at
WHERE (invoices.merchant_price, invoices.delivery_price, invoices.orders_count, invoices.status,
       invoices.remote_created_at, invoices.remote_updated_at)
  IS DISTINCT FROM
      (EXCLUDED.merchant_price, EXCLUDED.delivery_price, EXCLUDED.orders_count, EXCLUDED.status,
       EXCLUDED.remote_created_at, EXCLUDED.remote_updated_at)
`, accountID, inv.ExternalID, inv.MerchantPrice, inv.DeliveryPrice, inv.OrdersCount, inv.Status,
			inv.RemoteCreatedAt.UTC(), utcPtr(inv.RemoteUpdatedAt), now)
		if err != nil {
			return 0, errors.Wrap(err, "upsert invoice")
		}
		n += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit tx")
	}
	return n, nil
}

func (s *Storage) InvoiceTotals(ctx context.Context, accountID uint64) (models.InvoiceTotals, error) {
	var t models.InvoiceTotals
	err := s.db.QueryRow(ctx, `
SELECT count(*), COALESCE(sum(merchant_price), 0), COALESCE(sum(delivery_price), 0)
FROM invoices
WHERE account_id = $1
`, accountID).Scan(&t.Count, &t.MerchantPrice, &t.DeliveryPrice)
	if err != nil {
		return t, errors.Wrap(err, "select invoice totals")
	}
	return t, nil
}

// InsertSyncRun appends the run summary. Rows are never updated.
func (s *Storage) InsertSyncRun(ctx context.Context, run models.SyncRun) error {
	errs := run.Errors
	if errs == nil {
		errs = []models.AccountError{}
	}
	errJSON, err := json.Marshal(errs)
	if err != nil {
		return errors.Wrap(err, "marshal run errors")
	}
	needsLogin := run.NeedsLogin
	if needsLogin == nil {
		needsLogin = []uint64{}
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO sync_runs (
  id, mode, accounts_processed, invoices_synced, orders_updated, needs_login, errors, started_at, duration_ms
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, run.ID, run.Mode, run.AccountsProcessed, run.InvoicesSynced, run.OrdersUpdated,
		needsLogin, string(errJSON), run.StartedAt.UTC(), run.Duration.Milliseconds())
	return errors.Wrap(err, "insert sync run")
}

func (s *Storage) ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
SELECT id, mode, accounts_processed, invoices_synced, orders_updated, needs_login, errors::text, started_at, duration_ms
FROM sync_runs
ORDER BY started_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select sync runs")
	}
	defer rows.Close()

	var out []models.SyncRun
	for rows.Next() {
		var (
			r       models.SyncRun
			errJSON string
			ms      int64
		)
		if err := rows.Scan(&r.ID, &r.Mode, &r.AccountsProcessed, &r.InvoicesSynced, &r.OrdersUpdated,
			&r.NeedsLogin, &errJSON, &r.StartedAt, &ms); err != nil {
			return nil, errors.Wrap(err, "scan sync run")
		}
		if err := json.Unmarshal([]byte(errJSON), &r.Errors); err != nil {
			return nil, errors.Wrap(err, "decode run errors")
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
