package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crossarb/internal/models"
	"crossarb/pkg/ratelimit"
)

// RESTQuoteSource - авторитетные котировки через REST ticker площадок
//
//	GET {base}/ticker?instrument=BTCUSDT -> {"bid":..,"ask":..,"timestamp":ms}
type RESTQuoteSource struct {
	endpoints map[string]string // venue -> base URL
	http      *HTTPClient
	limiter   *ratelimit.VenueLimiter
}

// NewRESTQuoteSource создаёт источник котировок
func NewRESTQuoteSource(endpoints map[string]string, hc *HTTPClient, limiter *ratelimit.VenueLimiter) *RESTQuoteSource {
	if hc == nil {
		hc = NewHTTPClient(DefaultHTTPClientConfig())
	}
	if limiter == nil {
		limiter = ratelimit.NewVenueLimiter(5, 10)
	}
	eps := make(map[string]string, len(endpoints))
	for venue, base := range endpoints {
		eps[venue] = strings.TrimRight(base, "/")
	}
	return &RESTQuoteSource{endpoints: eps, http: hc, limiter: limiter}
}

// FetchQuote запрашивает текущую котировку площадки
func (s *RESTQuoteSource) FetchQuote(ctx context.Context, venue, instrument string) (models.Quote, error) {
	base, ok := s.endpoints[venue]
	if !ok {
		return models.Quote{}, fmt.Errorf("no quote endpoint for venue %s", venue)
	}
	if err := s.limiter.Wait(ctx, venue); err != nil {
		return models.Quote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		base+"/ticker?instrument="+url.QueryEscape(instrument), nil)
	if err != nil {
		return models.Quote{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return models.Quote{}, &VenueError{Venue: venue, Message: "ticker request failed", Original: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Quote{}, &VenueError{Venue: venue, StatusCode: resp.StatusCode, Message: "ticker"}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return models.Quote{}, &VenueError{Venue: venue, Message: "read ticker", Original: err}
	}

	var t struct {
		Bid       float64 `json:"bid"`
		Ask       float64 `json:"ask"`
		Timestamp int64   `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return models.Quote{}, fmt.Errorf("decode ticker %s: %w", venue, err)
	}

	observed := time.Now()
	if t.Timestamp > 0 {
		observed = time.UnixMilli(t.Timestamp)
	}
	return models.Quote{
		Venue:      venue,
		Instrument: instrument,
		Bid:        t.Bid,
		Ask:        t.Ask,
		ObservedAt: observed,
	}, nil
}
