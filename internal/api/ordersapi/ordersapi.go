package ordersapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/DeliverySync/internal/deliverystatus"
	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/BearBump/DeliverySync/internal/services/orderstatus"
	"github.com/BearBump/DeliverySync/internal/services/settlement"
	"github.com/BearBump/DeliverySync/internal/services/splitter"
	"github.com/BearBump/DeliverySync/internal/storage/pgorders"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type StatusService interface {
	Statuses() []deliverystatus.Definition
	GetDeliveryStatus(ctx context.Context, orderID uint64) (orderstatus.View, error)
	Invalidate(ctx context.Context, orderID uint64) error
}

type Splitter interface {
	Preview(ctx context.Context, req splitter.Request) (splitter.Result, error)
	Split(ctx context.Context, req splitter.Request) (splitter.Result, error)
}

type Settler interface {
	ComputeSettlement(ctx context.Context, orderID uint64, deliveredItemIDs []uint64, finalPrice decimal.Decimal) (models.Settlement, error)
}

// AccountStore хранит курьерские токены аккаунтов.
type AccountStore interface {
	UpdateAccountToken(ctx context.Context, accountID uint64, token string, expiresAt *time.Time) error
}

type OrdersAPI struct {
	statuses StatusService
	splitter Splitter
	settler  Settler
	accounts AccountStore
	log      *slog.Logger
}

func New(statuses StatusService, sp Splitter, st Settler, log *slog.Logger) *OrdersAPI {
	if log == nil {
		log = slog.Default()
	}
	return &OrdersAPI{statuses: statuses, splitter: sp, settler: st, log: log.With("component", "orders_api")}
}

// WithAccounts enables PUT /accounts/{id}/token, used to re-login an
// account the sync worker marked as needing login.
func (a *OrdersAPI) WithAccounts(acc AccountStore) *OrdersAPI {
	a.accounts = acc
	return a
}

// Routes mounts the operator endpoints on r.
func (a *OrdersAPI) Routes(r chi.Router) {
	r.Get("/statuses", a.listStatuses)
	if a.accounts != nil {
		r.Put("/accounts/{id}/token", a.updateAccountToken)
	}
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/delivery-status", a.getDeliveryStatus)
		r.Post("/partial-delivery", a.splitPartialDelivery)
		r.Post("/partial-delivery/preview", a.previewPartialDelivery)
		r.Post("/settlement", a.computeSettlement)
	})
}

type partialDeliveryRequest struct {
	DeliveredItemIDs []uint64 `json:"deliveredItemIds"`
	// Цена, введённая оператором вручную; пусто - берём рассчитанную.
	FinalPrice *decimal.Decimal `json:"finalPrice,omitempty"`
}

type settlementRequest struct {
	DeliveredItemIDs []uint64        `json:"deliveredItemIds"`
	FinalPrice       decimal.Decimal `json:"finalPrice"`
}

type accountTokenRequest struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type settlementResponse struct {
	OrderID          uint64          `json:"orderId"`
	FinalPrice       decimal.Decimal `json:"finalPrice"`
	Revenue          decimal.Decimal `json:"revenue"`
	EmployeeProfit   decimal.Decimal `json:"employeeProfit"`
	SystemProfit     decimal.Decimal `json:"systemProfit"`
	DeliveredItemIDs []uint64        `json:"deliveredItemIds"`
	SettledAt        time.Time       `json:"settledAt"`
}

func toSettlementResponse(st models.Settlement) settlementResponse {
	return settlementResponse{
		OrderID:          st.OrderID,
		FinalPrice:       st.FinalPrice,
		Revenue:          st.Revenue,
		EmployeeProfit:   st.EmployeeProfit,
		SystemProfit:     st.SystemProfit,
		DeliveredItemIDs: st.DeliveredItemIDs,
		SettledAt:        st.SettledAt,
	}
}

type splitResponse struct {
	splitter.Result
	Settlement *settlementResponse `json:"settlement,omitempty"`
}

func toSplitResponse(res splitter.Result) splitResponse {
	out := splitResponse{Result: res}
	if res.Settlement != nil {
		st := toSettlementResponse(*res.Settlement)
		out.Settlement = &st
	}
	return out
}

func (a *OrdersAPI) listStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"statuses": a.statuses.Statuses()})
}

func (a *OrdersAPI) getDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := a.orderID(w, r)
	if !ok {
		return
	}
	v, err := a.statuses.GetDeliveryStatus(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *OrdersAPI) previewPartialDelivery(w http.ResponseWriter, r *http.Request) {
	req, ok := a.splitRequest(w, r)
	if !ok {
		return
	}
	res, err := a.splitter.Preview(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSplitResponse(res))
}

func (a *OrdersAPI) splitPartialDelivery(w http.ResponseWriter, r *http.Request) {
	req, ok := a.splitRequest(w, r)
	if !ok {
		return
	}
	res, err := a.splitter.Split(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	// Kafka-событие обновит кэш асинхронно; здесь сбрасываем сразу.
	if err := a.statuses.Invalidate(r.Context(), req.OrderID); err != nil {
		a.log.Warn("invalidate delivery status", "order_id", req.OrderID, "err", err)
	}
	writeJSON(w, http.StatusOK, toSplitResponse(res))
}

func (a *OrdersAPI) computeSettlement(w http.ResponseWriter, r *http.Request) {
	id, ok := a.orderID(w, r)
	if !ok {
		return
	}
	var body settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return
	}
	if body.FinalPrice.IsNegative() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "finalPrice must not be negative"})
		return
	}
	st, err := a.settler.ComputeSettlement(r.Context(), id, body.DeliveredItemIDs, body.FinalPrice)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(st))
}

func (a *OrdersAPI) updateAccountToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid account id"})
		return
	}
	var body accountTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return
	}
	if body.Token == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "token is required"})
		return
	}
	if err := a.accounts.UpdateAccountToken(r.Context(), id, body.Token, body.ExpiresAt); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Info("account token updated", "account_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"accountId": id, "updated": true})
}

func (a *OrdersAPI) splitRequest(w http.ResponseWriter, r *http.Request) (splitter.Request, bool) {
	id, ok := a.orderID(w, r)
	if !ok {
		return splitter.Request{}, false
	}
	var body partialDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return splitter.Request{}, false
	}
	if body.FinalPrice != nil && body.FinalPrice.IsNegative() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "finalPrice must not be negative"})
		return splitter.Request{}, false
	}
	return splitter.Request{OrderID: id, DeliveredItemIDs: body.DeliveredItemIDs, FinalPrice: body.FinalPrice}, true
}

func (a *OrdersAPI) orderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid order id"})
		return 0, false
	}
	return id, true
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pgorders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, splitter.ErrInvalidSelection), errors.Is(err, settlement.ErrUnknownItem):
		return http.StatusBadRequest
	case errors.Is(err, splitter.ErrNotPartialDelivery), errors.Is(err, splitter.ErrAlreadySplit),
		errors.Is(err, splitter.ErrSplitInProgress), errors.Is(err, pgorders.ErrStaleOrder),
		errors.Is(err, settlement.ErrNotSettleable):
		return http.StatusConflict
	case errors.Is(err, pgorders.ErrInsufficientStock):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (a *OrdersAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, code, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
