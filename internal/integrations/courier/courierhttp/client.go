package courierhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/DeliverySync/internal/integrations/courier"
	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	invoicesPath = "/v1/merchant/invoices"
	statusPath   = "/v1/merchant/orders/status"

	// errNum, которым курьер сообщает о просроченном токене при HTTP 200.
	errNumTokenExpired = "21"

	remoteTimeLayout = "2006-01-02 15:04:05"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	log     *slog.Logger
}

func New(baseURL, apiKey string, timeout time.Duration, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
		log:     log.With("component", "courier_http"),
	}
}

type envelope struct {
	Status bool            `json:"status"`
	ErrNum string          `json:"errNum"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

type invoiceRow struct {
	ID            flexString      `json:"id"`
	MerchantPrice decimal.Decimal `json:"merchant_price"`
	DeliveryPrice decimal.Decimal `json:"delivery_price"`
	OrdersCount   int             `json:"delivered_orders_count"`
	Status        string          `json:"status"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

type statusRow struct {
	StatusID  flexString `json:"status_id"`
	Status    string     `json:"status"`
	UpdatedAt string     `json:"updated_at"`
}

func (c *Client) ListInvoicesSince(ctx context.Context, token string, since time.Time, limit int) ([]models.Invoice, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	rows, err := c.get(ctx, invoicesPath, token, q)
	if err != nil {
		return nil, err
	}

	out := make([]models.Invoice, 0, len(rows))
	for _, raw := range rows {
		var r invoiceRow
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.Warn("skip malformed invoice row", "err", err)
			continue
		}
		created, err := parseRemoteTime(r.CreatedAt)
		if err != nil || r.ID == "" {
			c.log.Warn("skip invoice row without id or created_at", "id", string(r.ID), "created_at", r.CreatedAt)
			continue
		}
		inv := models.Invoice{
			ExternalID:      string(r.ID),
			MerchantPrice:   r.MerchantPrice,
			DeliveryPrice:   r.DeliveryPrice,
			OrdersCount:     r.OrdersCount,
			Status:          r.Status,
			RemoteCreatedAt: created,
		}
		if updated, err := parseRemoteTime(r.UpdatedAt); err == nil {
			inv.RemoteUpdatedAt = &updated
		}
		out = append(out, inv)
	}
	return out, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, token, ref string) ([]courier.StatusEntry, error) {
	q := url.Values{}
	q.Set("ref", ref)

	rows, err := c.get(ctx, statusPath, token, q)
	if err != nil {
		return nil, err
	}

	out := make([]courier.StatusEntry, 0, len(rows))
	for _, raw := range rows {
		var r statusRow
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.Warn("skip malformed status row", "ref", ref, "err", err)
			continue
		}
		if r.StatusID == "" && strings.TrimSpace(r.Status) == "" {
			continue
		}
		at, err := parseRemoteTime(r.UpdatedAt)
		if err != nil {
			c.log.Warn("status row without time", "ref", ref, "updated_at", r.UpdatedAt)
		}
		out = append(out, courier.StatusEntry{
			Code: string(r.StatusID),
			Text: strings.TrimSpace(r.Status),
			At:   at,
		})
	}
	return out, nil
}

// get returns the raw rows of the envelope data. An empty or malformed 2xx body means nothing new.
func (c *Client) get(ctx context.Context, path, token string, q url.Values) ([]json.RawMessage, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	q.Set("token", token)
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(courier.ErrTransient, "do request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(courier.ErrTransient, "read body: %v", err)
	}

	var env envelope
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &env); err != nil && resp.StatusCode/100 == 2 {
			// Битый ответ при 2xx считаем "ничего нового".
			c.log.Warn("malformed courier response", "path", path, "err", err)
			return nil, nil
		}
	}

	if resp.StatusCode/100 != 2 {
		return nil, &courier.APIError{StatusCode: resp.StatusCode, ErrNum: env.ErrNum, Message: env.Msg}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !env.Status {
		code := http.StatusBadRequest
		if env.ErrNum == errNumTokenExpired {
			code = http.StatusUnauthorized
		}
		return nil, &courier.APIError{StatusCode: code, ErrNum: env.ErrNum, Message: env.Msg}
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var rows []json.RawMessage
	if data[0] == '{' {
		rows = []json.RawMessage{data}
	} else if err := json.Unmarshal(data, &rows); err != nil {
		c.log.Warn("malformed courier data", "path", path, "err", err)
		return nil, nil
	}
	return rows, nil
}

func parseRemoteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(remoteTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parse remote time")
	}
	return t, nil
}

// flexString accepts both "12" and 12.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
