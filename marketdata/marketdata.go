// Package marketdata streams live Bitkub tickers and downloads historical candles
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"rebalance-bot/execution"
	"rebalance-bot/util"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const tickerStreamPrefix = "market.ticker.thb_"

// QuoteCallback is called for every ticker update
type QuoteCallback func(symbol string, quote execution.Quote, timestamp time.Time)

// DefaultConfig provides a default configuration for the TickerStream.
var DefaultConfig = Config{
	WebSocketURL:         "wss://api.bitkub.com/websocket-api",
	ReconnectInterval:    time.Second,
	MaxReconnectInterval: 30 * time.Second,
	HeartbeatInterval:    20 * time.Second,
	ReadTimeout:          60 * time.Second,
	MaxAge:               30 * time.Second,
	MaxReconnects:        0,
}

type Config struct {
	WebSocketURL         string        // Base URL; stream names are appended as a path
	ReconnectInterval    time.Duration // First reconnect delay, grows exponentially
	MaxReconnectInterval time.Duration // Reconnect delay cap
	HeartbeatInterval    time.Duration // Ping interval
	ReadTimeout          time.Duration // Read deadline per message
	MaxAge               time.Duration // Quotes older than this are stale
	MaxReconnects        int           // Consecutive failed dials before giving up, 0 = never
	Symbols              []string      // Initial symbols to subscribe
}

// ConnectionStatus provides information about the WebSocket connection
type ConnectionStatus struct {
	IsConnected     bool
	LastHeartbeat   time.Time
	ReconnectCount  int
	SubscribedCount int
	MessageCount    int64
	LastMessage     time.Time
	ErrorCount      int64
}

// QuoteData is one cached ticker
type QuoteData struct {
	Symbol    string
	Quote     execution.Quote
	Timestamp time.Time
}

// tickerMessage is a market.ticker.thb_<sym> stream payload
type tickerMessage struct {
	Stream        string          `json:"stream"`
	Last          decimal.Decimal `json:"last"`
	HighestBid    decimal.Decimal `json:"highestBid"`
	LowestAsk     decimal.Decimal `json:"lowestAsk"`
	PercentChange decimal.Decimal `json:"percentChange"`
}

// priceCache stores the latest quotes with thread safety
type priceCache struct {
	mu     sync.RWMutex
	quotes map[string]QuoteData
	maxAge time.Duration
}

// subscriptionManager handles symbol subscriptions
type subscriptionManager struct {
	mu            sync.RWMutex
	subscriptions map[string]bool
}

// TickerStream keeps the latest Bitkub ticker for each subscribed symbol.
type TickerStream struct {
	config Config
	logger *zap.Logger
	clock  util.Clock
	dialer *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	priceCache          *priceCache
	subscriptionManager *subscriptionManager

	callbackMu    sync.RWMutex
	quoteCallback QuoteCallback

	status   ConnectionStatus
	statusMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTickerStream(config Config, logger *zap.Logger, clock util.Clock) *TickerStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	s := &TickerStream{
		config: config,
		logger: logger.Named("ticker"),
		clock:  clock,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		priceCache: &priceCache{
			quotes: make(map[string]QuoteData),
			maxAge: config.MaxAge,
		},
		subscriptionManager: &subscriptionManager{
			subscriptions: make(map[string]bool),
		},
	}
	for _, symbol := range config.Symbols {
		s.subscriptionManager.subscriptions[normalizeSymbol(symbol)] = true
	}
	return s
}

// Start dials the stream and keeps it alive until ctx is cancelled or Stop is called.
func (s *TickerStream) Start(ctx context.Context) error {
	if len(s.GetSubscribedSymbols()) == 0 {
		return errors.New("no symbols subscribed")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.connect(); err != nil {
		s.cancel()
		return fmt.Errorf("failed to establish WebSocket connection: %w", err)
	}

	s.wg.Add(2)
	go s.run()
	go s.heartbeatManager()

	s.logger.Info("ticker stream started", zap.Strings("symbols", s.GetSubscribedSymbols()))
	return nil
}

// Stop gracefully shuts down the stream
func (s *TickerStream) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.closeConn()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("ticker stream stopped")
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("timeout waiting for goroutines to finish")
	}
}

// Subscribe adds a symbol. Bitkub selects streams by URL, so a live connection is redialled.
func (s *TickerStream) Subscribe(symbol string) error {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return errors.New("empty symbol")
	}

	s.subscriptionManager.mu.Lock()
	if s.subscriptionManager.subscriptions[symbol] {
		s.subscriptionManager.mu.Unlock()
		return nil
	}
	s.subscriptionManager.subscriptions[symbol] = true
	count := len(s.subscriptionManager.subscriptions)
	s.subscriptionManager.mu.Unlock()

	s.updateStatus(func(status *ConnectionStatus) {
		status.SubscribedCount = count
	})
	s.closeConn()
	return nil
}

// GetLatestQuote returns the cached quote for symbol, failing when none is cached or it is stale.
func (s *TickerStream) GetLatestQuote(symbol string) (execution.Quote, error) {
	symbol = normalizeSymbol(symbol)

	s.priceCache.mu.RLock()
	data, exists := s.priceCache.quotes[symbol]
	s.priceCache.mu.RUnlock()

	if !exists {
		return execution.Quote{}, fmt.Errorf("no quote available for symbol: %s", symbol)
	}
	if s.priceCache.maxAge > 0 && s.clock.Now().Sub(data.Timestamp) > s.priceCache.maxAge {
		return execution.Quote{}, fmt.Errorf("quote for %s is stale", symbol)
	}
	return data.Quote, nil
}

// SetQuoteCallback sets the callback function for ticker updates
func (s *TickerStream) SetQuoteCallback(callback QuoteCallback) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.quoteCallback = callback
}

// GetConnectionStatus returns the current connection status
func (s *TickerStream) GetConnectionStatus() ConnectionStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// GetSubscribedSymbols returns the subscribed symbols in sorted order
func (s *TickerStream) GetSubscribedSymbols() []string {
	s.subscriptionManager.mu.RLock()
	defer s.subscriptionManager.mu.RUnlock()

	symbols := make([]string, 0, len(s.subscriptionManager.subscriptions))
	for symbol := range s.subscriptionManager.subscriptions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// StreamURL joins the ticker streams of every subscribed symbol onto the base URL.
func (s *TickerStream) StreamURL() string {
	symbols := s.GetSubscribedSymbols()
	streams := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		streams = append(streams, tickerStreamPrefix+strings.ToLower(symbol))
	}
	return strings.TrimSuffix(s.config.WebSocketURL, "/") + "/" + strings.Join(streams, ",")
}

func (s *TickerStream) connect() error {
	url := s.StreamURL()
	conn, _, err := s.dialer.DialContext(s.ctx, url, nil)
	if err != nil {
		s.updateStatus(func(status *ConnectionStatus) {
			status.ErrorCount++
		})
		return fmt.Errorf("failed to dial WebSocket: %w", err)
	}

	s.connMu.Lock()
	if s.ctx.Err() != nil {
		s.connMu.Unlock()
		_ = conn.Close()
		return s.ctx.Err()
	}
	s.conn = conn
	s.connMu.Unlock()

	count := len(s.GetSubscribedSymbols())
	s.updateStatus(func(status *ConnectionStatus) {
		status.IsConnected = true
		status.SubscribedCount = count
		status.LastHeartbeat = s.clock.Now()
	})
	s.logger.Info("WebSocket connection established", zap.String("url", url))
	return nil
}

func (s *TickerStream) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *TickerStream) closeConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.updateStatus(func(status *ConnectionStatus) {
		status.IsConnected = false
	})
}

// run reads until the connection drops, then redials with exponential backoff.
func (s *TickerStream) run() {
	defer s.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.ReconnectInterval
	bo.MaxInterval = s.config.MaxReconnectInterval
	failures := 0

	for {
		if conn := s.currentConn(); conn != nil {
			err := s.readLoop(conn)
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("ticker stream dropped", zap.Error(err))
			s.updateStatus(func(status *ConnectionStatus) {
				status.ErrorCount++
			})
			s.closeConn()
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}

		if err := s.connect(); err != nil {
			failures++
			s.logger.Warn("reconnection failed", zap.Int("attempt", failures), zap.Error(err))
			if s.config.MaxReconnects > 0 && failures >= s.config.MaxReconnects {
				s.logger.Error("maximum reconnection attempts reached", zap.Int("max", s.config.MaxReconnects))
				return
			}
			continue
		}
		failures = 0
		bo.Reset()
		s.updateStatus(func(status *ConnectionStatus) {
			status.ReconnectCount++
		})
	}
}

func (s *TickerStream) readLoop(conn *websocket.Conn) error {
	for {
		if s.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.processMessage(data)
	}
}

// processMessage applies a single WebSocket message to the cache
func (s *TickerStream) processMessage(data []byte) {
	now := s.clock.Now()
	s.updateStatus(func(status *ConnectionStatus) {
		status.MessageCount++
		status.LastMessage = now
	})

	symbol, quote, err := parseTicker(data)
	if err != nil {
		s.logger.Debug("ignoring message", zap.ByteString("data", data), zap.Error(err))
		return
	}
	if !isValidQuote(quote) {
		s.logger.Warn("invalid quote", zap.String("symbol", symbol), zap.String("last", quote.Last.String()))
		return
	}

	s.priceCache.mu.Lock()
	s.priceCache.quotes[symbol] = QuoteData{Symbol: symbol, Quote: quote, Timestamp: now}
	s.priceCache.mu.Unlock()

	s.callbackMu.RLock()
	callback := s.quoteCallback
	s.callbackMu.RUnlock()
	if callback != nil {
		callback(symbol, quote, now)
	}
}

// heartbeatManager pings the server so idle streams are not dropped
func (s *TickerStream) heartbeatManager() {
	defer s.wg.Done()
	if s.config.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			conn := s.currentConn()
			if conn == nil {
				continue
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Warn("failed to send ping", zap.Error(err))
				s.updateStatus(func(status *ConnectionStatus) {
					status.ErrorCount++
				})
				continue
			}
			now := s.clock.Now()
			s.updateStatus(func(status *ConnectionStatus) {
				status.LastHeartbeat = now
			})
		}
	}
}

// parseTicker decodes a ticker stream message into its symbol and quote.
func parseTicker(data []byte) (string, execution.Quote, error) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", execution.Quote{}, fmt.Errorf("failed to decode ticker: %w", err)
	}
	if !strings.HasPrefix(msg.Stream, tickerStreamPrefix) {
		return "", execution.Quote{}, fmt.Errorf("not a ticker stream: %q", msg.Stream)
	}
	symbol := normalizeSymbol(strings.TrimPrefix(msg.Stream, tickerStreamPrefix))
	return symbol, execution.Quote{
		Last:       msg.Last,
		HighestBid: msg.HighestBid,
		LowestAsk:  msg.LowestAsk,
	}, nil
}

func isValidQuote(q execution.Quote) bool {
	if !q.Last.IsPositive() {
		return false
	}
	return !q.HighestBid.IsNegative() && !q.LowestAsk.IsNegative()
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// updateStatus safely updates the connection status
func (s *TickerStream) updateStatus(updater func(*ConnectionStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	updater(&s.status)
}
