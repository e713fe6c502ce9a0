package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	appconfig "alpacabridge/config"
	"alpacabridge/logger"
	"alpacabridge/models"
)

const (
	headerKeyID     = "APCA-API-KEY-ID"
	headerSecretKey = "APCA-API-SECRET-KEY"

	// The bars endpoint caps pages at 10000 records; one thousand per call
	// keeps responses small without noticeably more round trips.
	barsPageLimit = 1000
)

// Client is the single shared REST client for the trade and market data
// hosts. All Data feeds and the Broker created from one Store go through the
// same Client, so rate limiting and connection pooling are account wide.
type Client struct {
	httpClient *http.Client
	tradeURL   string
	dataURL    string
	keyID      string
	secretKey  string
	feed       string
	limiter    *rate.Limiter
	log        *logger.Log
}

// NewClient builds the REST client from resolved configuration.
func NewClient(cfg *appconfig.Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		MaxConnsPerHost:     32,
		IdleConnTimeout:     90 * time.Second,
	}

	perSecond := float64(cfg.RateLimit.RequestsPerMinute) / 60.0
	burst := cfg.RateLimit.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		httpClient: &http.Client{
			Transport: userAgentTransport{
				agent: fmt.Sprintf("%s/%s", cfg.Bridge.Name, cfg.Bridge.Version),
				base:  transport,
			},
			Timeout: 30 * time.Second,
		},
		tradeURL:  cfg.TradeURL(),
		dataURL:   cfg.DataURL(),
		keyID:     cfg.Alpaca.KeyID,
		secretKey: cfg.Alpaca.SecretKey,
		feed:      cfg.Feed.Feed,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
		log:       logger.GetLogger(),
	}
}

func (c *Client) do(ctx context.Context, method, rawURL string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(headerKeyID, c.keyID)
	req.Header.Set(headerSecretKey, c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	logger.LogPerformanceEntry(c.log.WithComponent("rest_client"), "rest_client", "api_request", time.Since(start), logger.Fields{
		"method": method,
		"url":    rawURL,
		"status": resp.StatusCode,
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetAccount fetches the current account snapshot. The broker queries this
// on every refresh; nothing is cached here.
func (c *Client) GetAccount(ctx context.Context) (Account, error) {
	var acct Account
	err := c.do(ctx, http.MethodGet, c.tradeURL+"/v2/account", nil, &acct)
	return acct, err
}

// GetAsset resolves a symbol to a tradable instrument.
func (c *Client) GetAsset(ctx context.Context, symbol string) (Asset, error) {
	var asset Asset
	err := c.do(ctx, http.MethodGet, c.tradeURL+"/v2/assets/"+url.PathEscape(symbol), nil, &asset)
	return asset, err
}

// GetBars fetches one page of historical bars. Callers follow
// NextPageToken until it is empty; pages arrive in ascending timestamp
// order.
func (c *Client) GetBars(ctx context.Context, req BarsRequest) (BarsPage, error) {
	limit := req.Limit
	if limit <= 0 || limit > barsPageLimit {
		limit = barsPageLimit
	}

	q := url.Values{}
	q.Set("timeframe", req.Timeframe)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("adjustment", "raw")
	if !req.Start.IsZero() {
		q.Set("start", req.Start.UTC().Format(time.RFC3339))
	}
	if !req.End.IsZero() {
		q.Set("end", req.End.UTC().Format(time.RFC3339))
	}
	if req.PageToken != "" {
		q.Set("page_token", req.PageToken)
	}
	feed := req.Feed
	if feed == "" {
		feed = c.feed
	}
	q.Set("feed", feed)

	reqURL := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.dataURL, url.PathEscape(req.Symbol), q.Encode())

	var resp barsResponse
	if err := c.do(ctx, http.MethodGet, reqURL, nil, &resp); err != nil {
		return BarsPage{}, err
	}

	page := BarsPage{Bars: make([]models.Bar, 0, len(resp.Bars))}
	for _, b := range resp.Bars {
		page.Bars = append(page.Bars, models.Bar{
			Symbol: req.Symbol,
			Time:   b.Time,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	if resp.NextPageToken != nil {
		page.NextPageToken = *resp.NextPageToken
	}

	logger.IncrementHistoricalPage(len(page.Bars))
	return page, nil
}

// CreateOrder submits one order. Rejections come back as *APIError for
// which IsRejection is true.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var order Order
	err := c.do(ctx, http.MethodPost, c.tradeURL+"/v2/orders", req, &order)
	return order, err
}

// GetOrder fetches the current remote state of one order.
func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var order Order
	err := c.do(ctx, http.MethodGet, c.tradeURL+"/v2/orders/"+url.PathEscape(id), nil, &order)
	return order, err
}

// CancelOrder asks the API to cancel one order. Confirmation arrives as a
// trade update, not through this call.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.tradeURL+"/v2/orders/"+url.PathEscape(id), nil, nil)
}

// ListPositions returns all open positions.
func (c *Client) ListPositions(ctx context.Context) ([]models.Position, error) {
	var wire []wirePosition
	if err := c.do(ctx, http.MethodGet, c.tradeURL+"/v2/positions", nil, &wire); err != nil {
		return nil, err
	}
	positions := make([]models.Position, 0, len(wire))
	for _, p := range wire {
		pos, err := p.toModel()
		if err != nil {
			return nil, fmt.Errorf("failed to parse position %s: %w", p.Symbol, err)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}
