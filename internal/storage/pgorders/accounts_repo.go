package pgorders

import (
	"context"
	"time"

	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) CreateAccount(ctx context.Context, a *models.Account) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO accounts (name, courier_token, token_expires_at)
VALUES ($1, $2, $3)
RETURNING id
`, a.Name, a.CourierToken, a.TokenExpiresAt).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert account")
	}
	return id, nil
}

func (s *Storage) UpdateAccountToken(ctx context.Context, accountID uint64, token string, expiresAt *time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE accounts SET courier_token = $2, token_expires_at = $3 WHERE id = $1`,
		accountID, token, expiresAt)
	if err != nil {
		return errors.Wrap(err, "update account token")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, name, courier_token, token_expires_at
FROM accounts
ORDER BY id
`)
	if err != nil {
		return nil, errors.Wrap(err, "select accounts")
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.CourierToken, &a.TokenExpiresAt); err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		out = append(out, &a)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetAccount(ctx context.Context, id uint64) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRow(ctx, `
SELECT id, name, courier_token, token_expires_at
FROM accounts
WHERE id = $1
`, id).Scan(&a.ID, &a.Name, &a.CourierToken, &a.TokenExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select account")
	}
	return &a, nil
}

// GetCursor returns an empty cursor for an account that was never synced.
func (s *Storage) GetCursor(ctx context.Context, accountID uint64) (models.SyncCursor, error) {
	c := models.SyncCursor{AccountID: accountID}
	err := s.db.QueryRow(ctx, `
SELECT last_smart_sync_at, last_invoice_date
FROM sync_cursors
WHERE account_id = $1
`, accountID).Scan(&c.LastSmartSyncAt, &c.LastInvoiceDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, errors.Wrap(err, "select cursor")
	}
	return c, nil
}

// SaveCursor never moves last_invoice_date backwards; nil fields keep the stored value.
func (s *Storage) SaveCursor(ctx context.Context, c models.SyncCursor) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO sync_cursors (account_id, last_smart_sync_at, last_invoice_date)
VALUES ($1, $2, $3)
ON CONFLICT (account_id) DO UPDATE SET
  last_smart_sync_at = COALESCE(EXCLUDED.last_smart_sync_at, sync_cursors.last_smart_sync_at),
  last_invoice_date = GREATEST(sync_cursors.last_invoice_date, EXCLUDED.last_invoice_date)
`, c.AccountID, utcPtr(c.LastSmartSyncAt), utcPtr(c.LastInvoiceDate))
	return errors.Wrap(err, "upsert cursor")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
