package pgorders

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS accounts (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  courier_token TEXT NOT NULL DEFAULT '',
  token_expires_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS sync_cursors (
  account_id BIGINT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
  last_smart_sync_at TIMESTAMPTZ NULL,
  last_invoice_date TIMESTAMPTZ NULL
)`,
		`
CREATE TABLE IF NOT EXISTS invoices (
  id BIGSERIAL PRIMARY KEY,
  account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
  external_id TEXT NOT NULL,
  merchant_price NUMERIC(14,2) NOT NULL DEFAULT 0,
  delivery_price NUMERIC(14,2) NOT NULL DEFAULT 0,
  orders_count INT NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT '',
  remote_created_at TIMESTAMPTZ NOT NULL,
  remote_updated_at TIMESTAMPTZ NULL,
  synced_at TIMESTAMPTZ NOT NULL,
  UNIQUE (account_id, external_id)
)`,
		`
CREATE TABLE IF NOT EXISTS sync_runs (
  id TEXT PRIMARY KEY,
  mode TEXT NOT NULL,
  accounts_processed INT NOT NULL,
  invoices_synced INT NOT NULL,
  orders_updated INT NOT NULL,
  needs_login BIGINT[] NOT NULL DEFAULT '{}',
  errors JSONB NOT NULL DEFAULT '[]',
  started_at TIMESTAMPTZ NOT NULL,
  duration_ms BIGINT NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id BIGSERIAL PRIMARY KEY,
  account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
  delivery_partner_order_id TEXT NOT NULL DEFAULT '',
  tracking_number TEXT NOT NULL DEFAULT '',
  qr_id TEXT NOT NULL DEFAULT '',
  order_number TEXT NOT NULL DEFAULT '',
  local_status TEXT NOT NULL,
  delivery_status_code TEXT NOT NULL DEFAULT '',
  delivery_status_text TEXT NOT NULL DEFAULT '',
  requires_manual_processing BOOLEAN NOT NULL DEFAULT false,
  total_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
  final_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
  discount NUMERIC(14,2) NOT NULL DEFAULT 0,
  delivery_fee NUMERIC(14,2) NOT NULL DEFAULT 0,
  courier_price NUMERIC(14,2) NULL,
  employee_id BIGINT NULL,
  version BIGINT NOT NULL DEFAULT 1,
  partial_selection BIGINT[] NULL,
  partial_applied_at TIMESTAMPTZ NULL,
  status_checked_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_tracked ON orders(account_id, status_checked_at NULLS FIRST) WHERE local_status NOT IN ('delivered', 'returned_in_stock')`,
		`
CREATE TABLE IF NOT EXISTS order_items (
  id BIGSERIAL PRIMARY KEY,
  order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  product_ref TEXT NOT NULL,
  variant_ref TEXT NOT NULL DEFAULT '',
  quantity INT NOT NULL CHECK (quantity > 0),
  unit_price NUMERIC(14,2) NOT NULL,
  unit_cost NUMERIC(14,2) NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  quantity_delivered INT NOT NULL DEFAULT 0,
  delivered_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`
CREATE TABLE IF NOT EXISTS stock_levels (
  product_ref TEXT NOT NULL,
  variant_ref TEXT NOT NULL DEFAULT '',
  available INT NOT NULL DEFAULT 0 CHECK (available >= 0),
  reserved INT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
  sold INT NOT NULL DEFAULT 0 CHECK (sold >= 0),
  PRIMARY KEY (product_ref, variant_ref)
)`,
		// Одно движение каждого вида на позицию: повторная обработка статуса не трогает склад.
		`
CREATE TABLE IF NOT EXISTS stock_movements (
  id BIGSERIAL PRIMARY KEY,
  order_item_id BIGINT NOT NULL REFERENCES order_items(id) ON DELETE CASCADE,
  product_ref TEXT NOT NULL,
  variant_ref TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL,
  quantity INT NOT NULL CHECK (quantity > 0),
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (order_item_id, kind)
)`,
		`
CREATE TABLE IF NOT EXISTS settlements (
  order_id BIGINT PRIMARY KEY REFERENCES orders(id) ON DELETE CASCADE,
  final_price NUMERIC(14,2) NOT NULL,
  revenue NUMERIC(14,2) NOT NULL,
  employee_profit NUMERIC(14,2) NOT NULL,
  system_profit NUMERIC(14,2) NOT NULL,
  delivered_item_ids BIGINT[] NOT NULL DEFAULT '{}',
  settled_at TIMESTAMPTZ NOT NULL
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
