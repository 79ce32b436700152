package pgorders

import (
	"context"
	"time"

	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const orderColumns = `
  id, account_id,
  delivery_partner_order_id, tracking_number, qr_id, order_number,
  local_status, delivery_status_code, delivery_status_text, requires_manual_processing,
  total_amount, final_amount, discount, delivery_fee, courier_price,
  employee_id, version, partial_selection, partial_applied_at, status_checked_at,
  created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID, &o.AccountID,
		&o.DeliveryPartnerOrderID, &o.TrackingNumber, &o.QRID, &o.OrderNumber,
		&o.LocalStatus, &o.DeliveryStatusCode, &o.DeliveryStatusText, &o.RequiresManualProcessing,
		&o.TotalAmount, &o.FinalAmount, &o.Discount, &o.DeliveryFee, &o.CourierPrice,
		&o.EmployeeID, &o.Version, &o.PartialSelection, &o.PartialAppliedAt, &o.StatusCheckedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrder stores the order with its items and moves the item quantities from
// available to reserved stock.
func (s *Storage) CreateOrder(ctx context.Context, o *models.Order) (uint64, error) {
	now := time.Now().UTC()
	status := o.LocalStatus
	if status == "" {
		status = models.OrderStatusPending
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uint64
	err = tx.QueryRow(ctx, `
INSERT INTO orders (
  account_id, delivery_partner_order_id, tracking_number, qr_id, order_number,
  local_status, delivery_status_code, delivery_status_text,
  total_amount, final_amount, discount, delivery_fee, courier_price, employee_id,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
RETURNING id
`, o.AccountID, o.DeliveryPartnerOrderID, o.TrackingNumber, o.QRID, o.OrderNumber,
		status, o.DeliveryStatusCode, o.DeliveryStatusText,
		o.TotalAmount, o.FinalAmount, o.Discount, o.DeliveryFee, o.CourierPrice, o.EmployeeID,
		now).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert order")
	}

	for _, it := range o.Items {
		itemStatus := it.Status
		if itemStatus == "" {
			itemStatus = models.ItemStatusPending
		}
		err := tx.QueryRow(ctx, `
INSERT INTO order_items (order_id, product_ref, variant_ref, quantity, unit_price, unit_cost, status)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`, id, it.ProductRef, it.VariantRef, it.Quantity, it.UnitPrice, it.UnitCost, itemStatus).Scan(&it.ID)
		if err != nil {
			return 0, errors.Wrap(err, "insert order item")
		}
		it.OrderID = id

		tag, err := tx.Exec(ctx, `
UPDATE stock_levels
SET available = available - $3, reserved = reserved + $3
WHERE product_ref = $1 AND variant_ref = $2 AND available >= $3
`, it.ProductRef, it.VariantRef, it.Quantity)
		if err != nil {
			return 0, errors.Wrap(err, "reserve stock")
		}
		if tag.RowsAffected() == 0 {
			return 0, errors.Wrapf(ErrInsufficientStock, "reserve %s/%s x%d", it.ProductRef, it.VariantRef, it.Quantity)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit tx")
	}
	o.ID = id
	o.LocalStatus = status
	o.Version = 1
	return id, nil
}

func (s *Storage) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	if err := s.loadItems(ctx, s.db, []*models.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// ListTrackedOrders returns non-terminal orders of the account, least recently
// checked first.
func (s *Storage) ListTrackedOrders(ctx context.Context, accountID uint64, limit int) ([]*models.Order, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT `+orderColumns+`
FROM orders
WHERE account_id = $1
  AND local_status NOT IN ($2, $3)
ORDER BY status_checked_at ASC NULLS FIRST, id ASC
LIMIT $4
`, accountID, models.OrderStatusDelivered, models.OrderStatusReturnedInStock, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select tracked orders")
	}
	out, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListUnsettledSplitOrders returns orders whose partial delivery was applied but
// that have no settlement row yet.
func (s *Storage) ListUnsettledSplitOrders(ctx context.Context, limit int) ([]*models.Order, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT `+orderColumns+`
FROM orders o
WHERE o.partial_applied_at IS NOT NULL
  AND NOT EXISTS (SELECT 1 FROM settlements st WHERE st.order_id = o.id)
ORDER BY o.partial_applied_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select unsettled orders")
	}
	out, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

func collectOrders(rows pgx.Rows) ([]*models.Order, error) {
	defer rows.Close()
	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, o)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Storage) loadItems(ctx context.Context, q querier, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[uint64]*models.Order, len(orders))
	ids := make([]uint64, 0, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
		ids = append(ids, o.ID)
	}

	rows, err := q.Query(ctx, `
SELECT id, order_id, product_ref, variant_ref, quantity, unit_price, unit_cost,
       status, quantity_delivered, delivered_at
FROM order_items
WHERE order_id = ANY($1)
ORDER BY id
`, ids)
	if err != nil {
		return errors.Wrap(err, "select order items")
	}
	defer rows.Close()

	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductRef, &it.VariantRef, &it.Quantity,
			&it.UnitPrice, &it.UnitCost, &it.Status, &it.QuantityDelivered, &it.DeliveredAt); err != nil {
			return errors.Wrap(err, "scan order item")
		}
		if o := byID[it.OrderID]; o != nil {
			o.Items = append(o.Items, &it)
		}
	}
	if rows.Err() != nil {
		return errors.Wrap(rows.Err(), "rows")
	}
	return nil
}

func (s *Storage) TouchChecked(ctx context.Context, orderID uint64, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE orders SET status_checked_at = $2 WHERE id = $1`, orderID, at.UTC())
	return errors.Wrap(err, "touch order")
}

type ItemChange struct {
	ItemID            uint64
	Status            string
	QuantityDelivered int
	DeliveredAt       *time.Time
}

// StatusTransition is one courier status change with everything it implies.
// PrevCode and PrevStatus are what the caller read; the write fails with
// ErrStaleOrder if the row no longer matches.
type StatusTransition struct {
	OrderID    uint64
	PrevCode   string
	PrevStatus string

	Code                     string
	Text                     string
	LocalStatus              string
	RequiresManualProcessing bool
	CheckedAt                time.Time

	Items     []ItemChange
	Movements []models.StockMovement
}

func (s *Storage) ApplyStatusTransition(ctx context.Context, tr StatusTransition) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE orders
SET
  delivery_status_code = $4,
  delivery_status_text = $5,
  local_status = $6,
  requires_manual_processing = $7,
  status_checked_at = $8,
  version = version + 1,
  updated_at = now()
WHERE id = $1 AND delivery_status_code = $2 AND local_status = $3
`, tr.OrderID, tr.PrevCode, tr.PrevStatus, tr.Code, tr.Text, tr.LocalStatus,
		tr.RequiresManualProcessing, tr.CheckedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleOrder
	}

	if err := applyItemChanges(ctx, tx, tr.OrderID, tr.Items); err != nil {
		return err
	}
	if err := applyMovements(ctx, tx, tr.Movements); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// PartialDelivery is the result of a manual split, written atomically.
type PartialDelivery struct {
	OrderID         uint64
	ExpectedVersion int64

	LocalStatus string
	FinalAmount decimal.Decimal
	Discount    decimal.Decimal
	Selection   []uint64
	AppliedAt   time.Time

	Items     []ItemChange
	Movements []models.StockMovement
}

// ApplyPartialDelivery locks the order row and refuses the write when the version
// moved or a split was already applied.
func (s *Storage) ApplyPartialDelivery(ctx context.Context, pd PartialDelivery) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		version   int64
		appliedAt *time.Time
	)
	err = tx.QueryRow(ctx, `SELECT version, partial_applied_at FROM orders WHERE id = $1 FOR UPDATE`, pd.OrderID).
		Scan(&version, &appliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "lock order")
	}
	if version != pd.ExpectedVersion || appliedAt != nil {
		return ErrStaleOrder
	}

	selection := pd.Selection
	if selection == nil {
		selection = []uint64{}
	}
	_, err = tx.Exec(ctx, `
UPDATE orders
SET
  local_status = $2,
  final_amount = $3,
  discount = $4,
  partial_selection = $5,
  partial_applied_at = $6,
  requires_manual_processing = false,
  version = version + 1,
  updated_at = now()
WHERE id = $1
`, pd.OrderID, pd.LocalStatus, pd.FinalAmount, pd.Discount, selection, pd.AppliedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "update order split")
	}

	if err := applyItemChanges(ctx, tx, pd.OrderID, pd.Items); err != nil {
		return err
	}
	if err := applyMovements(ctx, tx, pd.Movements); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func applyItemChanges(ctx context.Context, tx pgx.Tx, orderID uint64, changes []ItemChange) error {
	for _, ch := range changes {
		tag, err := tx.Exec(ctx, `
UPDATE order_items
SET status = $3, quantity_delivered = $4, delivered_at = $5
WHERE id = $1 AND order_id = $2
`, ch.ItemID, orderID, ch.Status, ch.QuantityDelivered, utcPtr(ch.DeliveredAt))
		if err != nil {
			return errors.Wrap(err, "update order item")
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(ErrNotFound, "order item %d", ch.ItemID)
		}
	}
	return nil
}
