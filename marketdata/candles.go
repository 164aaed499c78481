package marketdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rebalance-bot/execution"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxKlineLimit = 1000

// CandleConfig configures the Binance klines downloader
type CandleConfig struct {
	BaseURL      string
	Limit        int // Candles per request, at most 1000
	Timeout      time.Duration
	RateLimitRPS int
}

var DefaultCandleConfig = CandleConfig{
	BaseURL:      "https://api.binance.com",
	Limit:        maxKlineLimit,
	Timeout:      10 * time.Second,
	RateLimitRPS: 5,
}

// Candle is one Binance kline
type Candle struct {
	OpenTime            int64
	Open                decimal.Decimal
	High                decimal.Decimal
	Low                 decimal.Decimal
	Close               decimal.Decimal
	Volume              decimal.Decimal
	CloseTime           int64
	QuoteAssetVolume    decimal.Decimal
	NumberOfTrades      int64
	TakerBuyBaseVolume  decimal.Decimal
	TakerBuyQuoteVolume decimal.Decimal
}

// UnmarshalJSON decodes the positional array Binance returns for a kline.
func (c *Candle) UnmarshalJSON(data []byte) error {
	var row []jsoniter.RawMessage
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	if len(row) < 11 {
		return fmt.Errorf("kline has %d fields, want at least 11", len(row))
	}
	ints := []struct {
		dst *int64
		idx int
	}{{&c.OpenTime, 0}, {&c.CloseTime, 6}, {&c.NumberOfTrades, 8}}
	for _, f := range ints {
		if err := json.Unmarshal(row[f.idx], f.dst); err != nil {
			return fmt.Errorf("kline field %d: %w", f.idx, err)
		}
	}
	decs := []struct {
		dst *decimal.Decimal
		idx int
	}{
		{&c.Open, 1}, {&c.High, 2}, {&c.Low, 3}, {&c.Close, 4}, {&c.Volume, 5},
		{&c.QuoteAssetVolume, 7}, {&c.TakerBuyBaseVolume, 9}, {&c.TakerBuyQuoteVolume, 10},
	}
	for _, f := range decs {
		if err := f.dst.UnmarshalJSON(row[f.idx]); err != nil {
			return fmt.Errorf("kline field %d: %w", f.idx, err)
		}
	}
	return nil
}

type CandleClient struct {
	config      CandleConfig
	httpClient  *http.Client
	rateLimiter *execution.RateLimiter
	logger      *zap.Logger
}

func NewCandleClient(config CandleConfig, logger *zap.Logger) *CandleClient {
	if config.Limit <= 0 || config.Limit > maxKlineLimit {
		config.Limit = maxKlineLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandleClient{
		config:      config,
		httpClient:  &http.Client{Timeout: config.Timeout},
		rateLimiter: execution.NewRateLimiter(config.RateLimitRPS),
		logger:      logger.Named("candles"),
	}
}

// Download returns the candles of symbol opening in [start, end], oldest first. Pages are
// fetched backwards from end.
func (c *CandleClient) Download(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("end %s is not after start %s", end, start)
	}
	startMs, endMs := start.UnixMilli(), end.UnixMilli()

	var candles []Candle
	cursor := endMs
	for cursor >= startMs {
		page, err := c.fetchPage(ctx, symbol, interval, cursor)
		if err != nil {
			return nil, err
		}
		if len(candles) > 0 {
			page = dropFrom(page, candles[0].OpenTime)
		}
		if len(page) == 0 {
			break
		}
		candles = append(page, candles...)
		c.logger.Debug("fetched klines",
			zap.String("symbol", symbol),
			zap.Int("count", len(page)),
			zap.Time("oldest", time.UnixMilli(page[0].OpenTime).UTC()))

		if len(page) < c.config.Limit {
			break
		}
		cursor = page[0].OpenTime - 1
	}

	first := 0
	for first < len(candles) && candles[first].OpenTime < startMs {
		first++
	}
	return candles[first:], nil
}

// dropFrom removes candles opening at or after openTime, which are already collected.
func dropFrom(page []Candle, openTime int64) []Candle {
	n := len(page)
	for n > 0 && page[n-1].OpenTime >= openTime {
		n--
	}
	return page[:n]
}

func (c *CandleClient) fetchPage(ctx context.Context, symbol, interval string, endTime int64) ([]Candle, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{
		"symbol":   {strings.ToUpper(symbol)},
		"interval": {interval},
		"limit":    {strconv.Itoa(c.config.Limit)},
		"endTime":  {strconv.FormatInt(endTime, 10)},
	}
	target := strings.TrimSuffix(c.config.BaseURL, "/") + "/api/v3/klines?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read klines: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page []Candle
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode klines: %w", err)
	}
	return page, nil
}

var candleHeader = []string{
	"Opentime", "Open", "High", "Low", "Close", "Volume", "Closetime",
	"Quote asset volume", "Number of trades", "Taker by base", "Taker buy quote",
}

// WriteCSV writes candles with a header row.
func WriteCSV(w io.Writer, candles []Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(candleHeader); err != nil {
		return err
	}
	for _, k := range candles {
		record := []string{
			strconv.FormatInt(k.OpenTime, 10),
			k.Open.String(),
			k.High.String(),
			k.Low.String(),
			k.Close.String(),
			k.Volume.String(),
			strconv.FormatInt(k.CloseTime, 10),
			k.QuoteAssetVolume.String(),
			strconv.FormatInt(k.NumberOfTrades, 10),
			k.TakerBuyBaseVolume.String(),
			k.TakerBuyQuoteVolume.String(),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
