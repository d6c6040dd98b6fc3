package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"crossarb/pkg/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RESTOrderClient - VenueOrderClient поверх нормализованного order gateway площадки
//
// Протокол:
//
//	POST   {base}/orders        {"instrument","side","quantity","type":"market"}
//	DELETE {base}/orders/{id}   -> {"cancelled": bool}
//	GET    {base}/orders/{id}   -> order
//
// Ответ 4xx трактуется как отказ площадки (Order FAILED, nil error),
// 5xx и сетевые ошибки возвращаются как *VenueError для повтора.
type RESTOrderClient struct {
	venue   string
	baseURL string
	apiKey  string
	http    *HTTPClient
	limiter *ratelimit.Limiter
}

// NewRESTOrderClient создаёт клиент площадки
func NewRESTOrderClient(venue, baseURL, apiKey string, hc *HTTPClient, limiter *ratelimit.Limiter) *RESTOrderClient {
	if hc == nil {
		hc = NewHTTPClient(DefaultHTTPClientConfig())
	}
	if limiter == nil {
		limiter = ratelimit.NewLimiter(10, 20)
	}
	return &RESTOrderClient{
		venue:   venue,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
		limiter: limiter,
	}
}

// Venue возвращает идентификатор площадки
func (c *RESTOrderClient) Venue() string { return c.venue }

type placeOrderRequest struct {
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	Type       string  `json:"type"`
}

type orderResponse struct {
	ID         string  `json:"id"`
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	FilledQty  float64 `json:"filled_quantity"`
	AvgPrice   float64 `json:"avg_price"`
	Status     string  `json:"status"`
	Error      string  `json:"error"`
	CreatedAt  int64   `json:"created_at"` // unix ms
}

func (r *orderResponse) toOrder(venue string) *Order {
	o := &Order{
		ID:         r.ID,
		Venue:      venue,
		Instrument: r.Instrument,
		Side:       r.Side,
		Quantity:   r.Quantity,
		FilledQty:  r.FilledQty,
		AvgPrice:   r.AvgPrice,
		Status:     normalizeStatus(r.Status),
		Error:      r.Error,
	}
	if r.CreatedAt > 0 {
		o.CreatedAt = time.UnixMilli(r.CreatedAt)
	} else {
		o.CreatedAt = time.Now()
	}
	return o
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "filled", "done", "closed":
		return OrderStatusFilled
	case "partial", "partially_filled":
		return OrderStatusPartial
	case "new", "open", "pending":
		return OrderStatusOpen
	case "cancelled", "canceled":
		return OrderStatusCancelled
	default:
		return OrderStatusFailed
	}
}

// PlaceOrder размещает рыночный ордер
func (c *RESTOrderClient) PlaceOrder(ctx context.Context, instrument, side string, quantity float64) (*Order, error) {
	body, err := json.Marshal(placeOrderRequest{
		Instrument: instrument,
		Side:       side,
		Quantity:   quantity,
		Type:       "market",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var resp orderResponse
	status, err := c.call(ctx, http.MethodPost, "/orders", body, &resp)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		msg := resp.Error
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &Order{
			Venue:      c.venue,
			Instrument: instrument,
			Side:       side,
			Quantity:   quantity,
			Status:     OrderStatusFailed,
			Error:      msg,
			CreatedAt:  time.Now(),
		}, nil
	}
	return resp.toOrder(c.venue), nil
}

// CancelOrder отменяет ордер
func (c *RESTOrderClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	var resp struct {
		Cancelled bool   `json:"cancelled"`
		Error     string `json:"error"`
	}
	status, err := c.call(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, &resp)
	if err != nil {
		return false, err
	}
	if status >= 400 {
		return false, nil
	}
	return resp.Cancelled, nil
}

// GetOrderStatus возвращает состояние ордера
func (c *RESTOrderClient) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	var resp orderResponse
	status, err := c.call(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &resp)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, &VenueError{Venue: c.venue, StatusCode: status, Message: resp.Error}
	}
	return resp.toOrder(c.venue), nil
}

// call выполняет запрос; 5xx и сетевые ошибки возвращаются как *VenueError
func (c *RESTOrderClient) call(ctx context.Context, method, path string, body []byte, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &VenueError{Venue: c.venue, Message: "request failed", Original: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, &VenueError{Venue: c.venue, Message: "read body", Original: err}
	}

	if resp.StatusCode >= 500 {
		return resp.StatusCode, &VenueError{Venue: c.venue, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if len(data) > 0 && out != nil {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 400 {
			return resp.StatusCode, &VenueError{Venue: c.venue, StatusCode: resp.StatusCode, Message: "decode response", Original: err}
		}
	}
	return resp.StatusCode, nil
}
