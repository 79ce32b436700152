package pgorders

import (
	"context"

	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// SaveSettlement overwrites the settlement of the order, so it can be recomputed.
func (s *Storage) SaveSettlement(ctx context.Context, st models.Settlement) error {
	ids := st.DeliveredItemIDs
	if ids == nil {
		ids = []uint64{}
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO settlements (order_id, final_price, revenue, employee_profit, system_profit, delivered_item_ids, settled_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (order_id) DO UPDATE SET
  final_price = EXCLUDED.final_price,
  revenue = EXCLUDED.revenue,
  employee_profit = EXCLUDED.employee_profit,
  system_profit = EXCLUDED.system_profit,
  delivered_item_ids = EXCLUDED.delivered_item_ids,
  settled_at = EXCLUDED.settled_at
`, st.OrderID, st.FinalPrice, st.Revenue, st.EmployeeProfit, st.SystemProfit, ids, st.SettledAt.UTC())
	return errors.Wrap(err, "upsert settlement")
}

func (s *Storage) GetSettlement(ctx context.Context, orderID uint64) (models.Settlement, error) {
	var st models.Settlement
	err := s.db.QueryRow(ctx, `
SELECT order_id, final_price, revenue, employee_profit, system_profit, delivered_item_ids, settled_at
FROM settlements
WHERE order_id = $1
`, orderID).Scan(&st.OrderID, &st.FinalPrice, &st.Revenue, &st.EmployeeProfit, &st.SystemProfit,
		&st.DeliveredItemIDs, &st.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, errors.Wrap(err, "select settlement")
	}
	return st, nil
}
