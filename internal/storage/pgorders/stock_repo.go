package pgorders

import (
	"context"
	"time"

	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// AddStock puts units into the available pool.
func (s *Storage) AddStock(ctx context.Context, productRef, variantRef string, qty int) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO stock_levels (product_ref, variant_ref, available)
VALUES ($1, $2, $3)
ON CONFLICT (product_ref, variant_ref) DO UPDATE SET available = stock_levels.available + EXCLUDED.available
`, productRef, variantRef, qty)
	return errors.Wrap(err, "add stock")
}

func (s *Storage) GetStockLevel(ctx context.Context, productRef, variantRef string) (models.StockLevel, error) {
	lvl := models.StockLevel{ProductRef: productRef, VariantRef: variantRef}
	err := s.db.QueryRow(ctx, `
SELECT available, reserved, sold FROM stock_levels WHERE product_ref = $1 AND variant_ref = $2
`, productRef, variantRef).Scan(&lvl.Available, &lvl.Reserved, &lvl.Sold)
	if errors.Is(err, pgx.ErrNoRows) {
		return lvl, ErrNotFound
	}
	if err != nil {
		return lvl, errors.Wrap(err, "select stock level")
	}
	return lvl, nil
}

// applyMovements moves units out of reserved. A movement already recorded for the
// item is skipped, so the same transition can be replayed.
func applyMovements(ctx context.Context, tx pgx.Tx, movements []models.StockMovement) error {
	for _, m := range movements {
		if m.Quantity <= 0 {
			continue
		}
		tag, err := tx.Exec(ctx, `
INSERT INTO stock_movements (order_item_id, product_ref, variant_ref, kind, quantity, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (order_item_id, kind) DO NOTHING
`, m.OrderItemID, m.ProductRef, m.VariantRef, m.Kind, m.Quantity, time.Now().UTC())
		if err != nil {
			return errors.Wrap(err, "insert stock movement")
		}
		if tag.RowsAffected() == 0 {
			continue
		}

		var q string
		switch m.Kind {
		case models.StockMovementSold:
			q = `UPDATE stock_levels SET reserved = reserved - $3, sold = sold + $3
WHERE product_ref = $1 AND variant_ref = $2 AND reserved >= $3`
		case models.StockMovementRestock:
			q = `UPDATE stock_levels SET reserved = reserved - $3, available = available + $3
WHERE product_ref = $1 AND variant_ref = $2 AND reserved >= $3`
		default:
			return errors.Errorf("unknown stock movement kind %q", m.Kind)
		}
		tag, err = tx.Exec(ctx, q, m.ProductRef, m.VariantRef, m.Quantity)
		if err != nil {
			return errors.Wrap(err, "update stock level")
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(ErrInsufficientStock, "%s %s/%s x%d", m.Kind, m.ProductRef, m.VariantRef, m.Quantity)
		}
	}
	return nil
}
