package reconciler

import (
	"time"

	"github.com/BearBump/DeliverySync/internal/deliverystatus"
	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/BearBump/DeliverySync/internal/storage/pgorders"
)

// PlanTransition derives item changes and stock movements for a resolved courier
// status. It does not look at whether anything changed; the caller decides that.
func PlanTransition(o *models.Order, res deliverystatus.Resolution, now time.Time) pgorders.StatusTransition {
	tr := pgorders.StatusTransition{
		OrderID:                  o.ID,
		PrevCode:                 o.DeliveryStatusCode,
		PrevStatus:               o.LocalStatus,
		Code:                     res.Code,
		Text:                     res.Text,
		LocalStatus:              string(res.State),
		RequiresManualProcessing: o.RequiresManualProcessing,
		CheckedAt:                now,
	}

	switch res.State {
	case deliverystatus.StateDelivered:
		pendingReturn := false
		for _, it := range o.Items {
			switch it.Status {
			case models.ItemStatusPending:
				at := now
				tr.Items = append(tr.Items, pgorders.ItemChange{
					ItemID: it.ID, Status: models.ItemStatusDelivered, QuantityDelivered: it.Quantity, DeliveredAt: &at,
				})
				tr.Movements = append(tr.Movements, movement(it, models.StockMovementSold, it.Quantity))
			case models.ItemStatusPendingReturn:
				pendingReturn = true
			}
		}
		tr.LocalStatus = models.OrderStatusDelivered
		tr.RequiresManualProcessing = false
		if pendingReturn {
			// Остаток ещё едет обратно к продавцу.
			tr.LocalStatus = models.OrderStatusPartialDelivery
		}

	case deliverystatus.StateReturnedInStock:
		anyDelivered := false
		for _, it := range o.Items {
			switch it.Status {
			case models.ItemStatusPending, models.ItemStatusPendingReturn:
				tr.Items = append(tr.Items, pgorders.ItemChange{
					ItemID: it.ID, Status: models.ItemStatusReturned,
					QuantityDelivered: it.QuantityDelivered, DeliveredAt: it.DeliveredAt,
				})
				if q := it.Quantity - it.QuantityDelivered; q > 0 {
					tr.Movements = append(tr.Movements, movement(it, models.StockMovementRestock, q))
				}
			case models.ItemStatusDelivered:
				anyDelivered = true
			}
		}
		tr.LocalStatus = models.OrderStatusReturnedInStock
		tr.RequiresManualProcessing = false
		if anyDelivered {
			tr.LocalStatus = models.OrderStatusDelivered
		}

	case deliverystatus.StatePartialDelivery:
		tr.LocalStatus = models.OrderStatusPartialDelivery
		tr.RequiresManualProcessing = o.PartialAppliedAt == nil

	default:
		// После ручного разбора заказ остаётся partial_delivery до возврата остатка.
		if o.PartialAppliedAt != nil {
			tr.LocalStatus = o.LocalStatus
		}
	}
	return tr
}

func movement(it *models.OrderItem, kind string, qty int) models.StockMovement {
	return models.StockMovement{
		OrderItemID: it.ID,
		ProductRef:  it.ProductRef,
		VariantRef:  it.VariantRef,
		Kind:        kind,
		Quantity:    qty,
	}
}

// unchanged reports a courier status that adds nothing to what is stored.
func unchanged(o *models.Order, res deliverystatus.Resolution) bool {
	return res.Code == o.DeliveryStatusCode && string(res.State) == o.LocalStatus
}
