package execution

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Exchange is the part of the Bitkub API the rebalancer drives.
type Exchange interface {
	ServerTime(ctx context.Context) (int64, error)
	Quote(ctx context.Context, symbol string) Quote
	Balances(ctx context.Context) (map[string]Balance, error)
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	PlaceBuy(ctx context.Context, symbol string, thbAmount, rate decimal.Decimal, orderType OrderType) (*OrderResult, error)
	PlaceSell(ctx context.Context, symbol string, assetAmount, rate decimal.Decimal, orderType OrderType) (*OrderResult, error)
	Place(ctx context.Context, req OrderRequest) (*OrderResult, error)
	Cancel(ctx context.Context, symbol string, orderID OrderID, side OrderSide, hash string) error
}

const (
	endpointServerTime = "/api/servertime"
	endpointTicker     = "/api/market/ticker"
	endpointBalances   = "/api/market/balances"
	endpointOpenOrders = "/api/market/my-open-orders"
	endpointPlaceBid   = "/api/market/place-bid"
	endpointPlaceAsk   = "/api/market/place-ask"
	endpointCancel     = "/api/market/cancel-order"

	apiKeyHeader = "X-BTK-APIKEY"
)

var requestDurations = prometheus.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "bitkub_request_duration_seconds",
	Help:       "Bitkub REST request durations",
	Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
}, []string{"endpoint", "result"})

func init() {
	prometheus.MustRegister(requestDurations)
}

type Config struct {
	BaseURL      string        `json:"base_url"`
	APIKey       string        `json:"api_key"`
	APISecret    string        `json:"api_secret"`
	Timeout      time.Duration `json:"timeout"`
	RateLimitRPS int           `json:"rate_limit_rps"`

	// MinOrderTHB is the smallest buy notional the exchange accepts.
	MinOrderTHB decimal.Decimal `json:"min_order_thb"`
}

// Default configuration for Bitkub
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      "https://api.bitkub.com",
		Timeout:      5 * time.Second,
		RateLimitRPS: 10,
		MinOrderTHB:  decimal.NewFromInt(50),
	}
}

// Client is the Bitkub REST client. It is safe for sequential use by one pass at a time.
type Client struct {
	config      *Config
	signer      *Signer
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *zap.Logger
}

func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	signer, err := NewSigner(config.APISecret)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: config,
		signer: signer,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimiter: NewRateLimiter(config.RateLimitRPS),
		logger:      logger.Named("bitkub"),
	}, nil
}

// ServerTime returns the exchange clock used to stamp signed requests.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.makeAPIRequest(ctx, http.MethodGet, endpointServerTime, nil, nil)
	if err != nil {
		return 0, errors.Wrap(err, "server time")
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "server time: unexpected body %q", string(body))
	}
	return ts, nil
}

// Quote never fails: any problem is logged and reported as the zero sentinel.
func (c *Client) Quote(ctx context.Context, symbol string) Quote {
	pair := PairSymbol(symbol)
	body, err := c.makeAPIRequest(ctx, http.MethodGet, endpointTicker, url.Values{"sym": {pair}}, nil)
	if err != nil {
		c.logger.Warn("ticker unavailable", zap.String("pair", pair), zap.Error(err))
		return Quote{}
	}
	var tickers map[string]Quote
	if err := canonicalJSON.Unmarshal(body, &tickers); err != nil {
		c.logger.Warn("ticker undecodable", zap.String("pair", pair), zap.Error(err))
		return Quote{}
	}
	q, ok := tickers[pair]
	if !ok {
		c.logger.Warn("ticker missing pair", zap.String("pair", pair))
		return Quote{}
	}
	return q
}

func (c *Client) Balances(ctx context.Context) (map[string]Balance, error) {
	var balances map[string]Balance
	if err := c.signedRequest(ctx, endpointBalances, Payload{}, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var orders []OpenOrder
	err := c.signedRequest(ctx, endpointOpenOrders, Payload{"sym": PairSymbol(symbol)}, &orders)
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// PlaceBuy spends thbAmount THB at rate. Amounts under MinOrderTHB are refused locally.
func (c *Client) PlaceBuy(ctx context.Context, symbol string, thbAmount, rate decimal.Decimal, orderType OrderType) (*OrderResult, error) {
	if thbAmount.LessThan(c.config.MinOrderTHB) {
		return nil, errors.Wrapf(ErrBelowMinimum, "buy %s for %s THB (minimum %s)",
			symbol, thbAmount, c.config.MinOrderTHB)
	}
	return c.placeOrder(ctx, endpointPlaceBid, symbol, thbAmount, rate, orderType)
}

// PlaceSell sells assetAmount units at rate.
func (c *Client) PlaceSell(ctx context.Context, symbol string, assetAmount, rate decimal.Decimal, orderType OrderType) (*OrderResult, error) {
	return c.placeOrder(ctx, endpointPlaceAsk, symbol, assetAmount, rate, orderType)
}

// Place dispatches an OrderRequest to the matching side.
func (c *Client) Place(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	switch req.Side {
	case OrderSideBuy:
		return c.PlaceBuy(ctx, req.Symbol, req.Amount, req.Rate, req.Type)
	case OrderSideSell:
		return c.PlaceSell(ctx, req.Symbol, req.Amount, req.Rate, req.Type)
	}
	return nil, errors.Errorf("unsupported order side %q", req.Side)
}

func (c *Client) placeOrder(ctx context.Context, endpoint, symbol string, amount, rate decimal.Decimal, orderType OrderType) (*OrderResult, error) {
	payload := Payload{
		"sym": PairSymbol(symbol),
		"amt": amount,
		"rat": rate,
		"typ": string(orderType),
	}
	var result OrderResult
	if err := c.signedRequest(ctx, endpoint, payload, &result); err != nil {
		return nil, err
	}
	c.logger.Info("order placed",
		zap.String("endpoint", endpoint),
		zap.String("id", result.ID.String()),
		zap.String("hash", result.Hash),
		zap.String("typ", result.Type),
		zap.String("amt", result.Amount.String()),
		zap.String("rat", result.Rate.String()),
		zap.String("fee", result.Fee.String()))
	return &result, nil
}

func (c *Client) Cancel(ctx context.Context, symbol string, orderID OrderID, side OrderSide, hash string) error {
	payload := Payload{
		"sym":  PairSymbol(symbol),
		"id":   orderID.String(),
		"sd":   string(side),
		"hash": hash,
	}
	fields := []zap.Field{
		zap.String("symbol", symbol),
		zap.String("id", orderID.String()),
		zap.String("hash", hash),
	}
	if err := c.signedRequest(ctx, endpointCancel, payload, nil); err != nil {
		c.logger.Error("cancel order failed", append(fields, zap.Error(err))...)
		return err
	}
	c.logger.Info("order cancelled", fields...)
	return nil
}

type apiEnvelope struct {
	Error  ErrorCode           `json:"error"`
	Result jsoniter.RawMessage `json:"result"`
}

// signedRequest stamps the payload with server time, signs it and POSTs it. A nil result
// ignores the response body; otherwise a missing or null result is ErrNoResult.
func (c *Client) signedRequest(ctx context.Context, endpoint string, fields Payload, result interface{}) error {
	ts, err := c.ServerTime(ctx)
	if err != nil {
		return err
	}
	payload := make(Payload, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["ts"] = ts

	sig, err := c.signer.Sign(payload)
	if err != nil {
		return err
	}
	payload["sig"] = sig

	body, err := Canonical(payload)
	if err != nil {
		return err
	}

	respBody, err := c.makeAPIRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}

	var env apiEnvelope
	if err := canonicalJSON.Unmarshal(respBody, &env); err != nil {
		return errors.Wrapf(err, "%s: decode response", endpoint)
	}
	if env.Error != ErrorNone {
		return &ExchangeError{Endpoint: endpoint, Code: env.Error}
	}
	if result == nil {
		return nil
	}
	if len(env.Result) == 0 || string(bytes.TrimSpace(env.Result)) == "null" {
		return errors.Wrap(ErrNoResult, endpoint)
	}
	if err := canonicalJSON.Unmarshal(env.Result, result); err != nil {
		return errors.Wrapf(err, "%s: decode result", endpoint)
	}
	return nil
}

// makeAPIRequest performs one HTTP round trip. A non-nil body marks the request as authenticated.
func (c *Client) makeAPIRequest(ctx context.Context, method, endpoint string, query url.Values, body []byte) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	startTime := time.Now()

	target := strings.TrimSuffix(c.config.BaseURL, "/") + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(apiKeyHeader, c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordLatency(endpoint, startTime, false)
		return nil, errors.Wrapf(err, "%s %s", method, endpoint)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordLatency(endpoint, startTime, false)
		return nil, errors.Wrapf(err, "%s: read response", endpoint)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordLatency(endpoint, startTime, false)
		return nil, &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: string(respBody)}
	}

	c.recordLatency(endpoint, startTime, true)
	return respBody, nil
}

func (c *Client) recordLatency(endpoint string, startTime time.Time, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	requestDurations.WithLabelValues(endpoint, result).Observe(time.Since(startTime).Seconds())
}

// Rate limiter implementation
type RateLimiter struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter returns nil (no limit) for rps <= 0.
func NewRateLimiter(rps int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	return &RateLimiter{
		tokens:     rps,
		maxTokens:  rps,
		refillRate: time.Second / time.Duration(rps),
		lastRefill: time.Now(),
	}
}

func (rl *RateLimiter) Allow() bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	tokensToAdd := int(elapsed / rl.refillRate)

	if tokensToAdd > 0 {
		rl.tokens = min(rl.maxTokens, rl.tokens+tokensToAdd)
		rl.lastRefill = now
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}

	return false
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for !rl.Allow() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.refillRate):
		}
	}
	return nil
}
