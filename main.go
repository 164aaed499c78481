package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rebalance-bot/execution"
	"rebalance-bot/marketdata"
	"rebalance-bot/runlock"
	"rebalance-bot/util"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

const (
	exitPassFailed  = 1
	exitConfigError = 2
)

func main() {
	// A missing .env is fine, the environment may already be set
	_ = godotenv.Overload()

	app := cli.NewApp()
	app.Name = "rebalance-bot"
	app.Usage = "Keep a THB budget evenly spread across Bitkub assets"
	app.Version = "0.1.0"

	var (
		dryRun      bool
		every       time.Duration
		metricsAddr string
	)

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:        "dry-run, d",
			Usage:       "log orders instead of placing them",
			Destination: &dryRun,
		},
		cli.DurationFlag{
			Name:        "every, e",
			Usage:       "repeat the pass at this interval instead of exiting after one",
			Destination: &every,
		},
		cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "serve /metrics and /healthz on this address",
			Destination: &metricsAddr,
		},
	}

	app.Action = func(c *cli.Context) error {
		config, err := loadConfigFromEnv()
		if err != nil {
			return cli.NewExitError(err.Error(), exitConfigError)
		}
		if c.IsSet("dry-run") {
			config.DryRun = dryRun
		}
		if c.IsSet("every") {
			config.Every = every
		}
		if c.IsSet("metrics-addr") {
			config.MetricsAddr = metricsAddr
		}
		return runRebalance(config)
	}

	app.Commands = []cli.Command{
		{
			Name:  "watch",
			Usage: "stream live tickers for the tracked symbols",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "symbols, s", Usage: "comma separated symbols, defaults to REBALANCE_SYMBOLS"},
			},
			Action: func(c *cli.Context) error {
				config, err := loadConfigFromEnv()
				if err != nil {
					return cli.NewExitError(err.Error(), exitConfigError)
				}
				symbols := config.Strategy.Symbols
				if s := c.String("symbols"); s != "" {
					symbols = parseSymbols(s)
				}
				return runWatch(config, symbols)
			},
		},
		{
			Name:  "candles",
			Usage: "download Binance klines to CSV",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "symbol", Value: "XRPUSDT"},
				cli.StringFlag{Name: "interval", Value: "1h"},
				cli.StringFlag{Name: "start", Usage: "RFC3339 start time (required)"},
				cli.StringFlag{Name: "end", Usage: "RFC3339 end time, defaults to now"},
				cli.StringFlag{Name: "out, o", Usage: "output file, defaults to stdout"},
			},
			Action: runCandles,
		},
		{
			Name:  "cancel",
			Usage: "cancel one open order",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "symbol"},
				cli.StringFlag{Name: "id"},
				cli.StringFlag{Name: "side", Usage: "buy or sell"},
				cli.StringFlag{Name: "hash"},
			},
			Action: runCancel,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitPassFailed)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRebalance(config *BotConfig) error {
	if err := config.Validate(); err != nil {
		return cli.NewExitError(err.Error(), exitConfigError)
	}

	logger, err := util.NewDailyFileLogger(config.LogDir, util.RealClock{})
	if err != nil {
		return cli.NewExitError(err.Error(), exitConfigError)
	}
	defer logger.Sync()

	client, err := execution.NewClient(config.Exchange, logger)
	if err != nil {
		return cli.NewExitError(err.Error(), exitConfigError)
	}

	var locker runlock.Locker
	if config.RedisAddr != "" {
		redisLocker := runlock.NewRedisLocker(config.RedisAddr, config.RedisPassword, 0)
		defer redisLocker.Close()
		locker = redisLocker
	}

	bot, err := NewRebalanceBot(config, client, locker, logger, util.RealClock{})
	if err != nil {
		return cli.NewExitError(err.Error(), exitConfigError)
	}

	ctx, stop := signalContext()
	defer stop()

	if config.MetricsAddr != "" {
		go serveMetrics(ctx, config.MetricsAddr, bot, logger)
	}

	logger.Info("rebalancer starting",
		zap.Strings("symbols", config.Strategy.Symbols),
		zap.String("budget", config.Strategy.Budget.String()),
		zap.String("threshold_pct", config.Strategy.SellThresholdPct.String()),
		zap.String("allocation", string(config.Strategy.Allocation)),
		zap.Bool("dry_run", config.DryRun),
		zap.Duration("every", config.Every))

	if config.Every > 0 {
		if err := bot.RunEvery(ctx, config.Every); err != nil && ctx.Err() == nil {
			return cli.NewExitError(err.Error(), exitPassFailed)
		}
		logger.Info("shutdown signal received, stopping")
		return nil
	}

	if _, err := bot.RunPass(ctx); err != nil {
		return cli.NewExitError(err.Error(), exitPassFailed)
	}
	return nil
}

func runWatch(config *BotConfig, symbols []string) error {
	logger, err := util.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	mdConfig := marketdata.DefaultConfig
	mdConfig.Symbols = symbols
	stream := marketdata.NewTickerStream(mdConfig, logger, util.RealClock{})
	stream.SetQuoteCallback(func(symbol string, q execution.Quote, _ time.Time) {
		logger.Info("ticker",
			zap.String("symbol", symbol),
			zap.String("last", q.Last.String()),
			zap.String("bid", q.HighestBid.String()),
			zap.String("ask", q.LowestAsk.String()))
	})

	ctx, stop := signalContext()
	defer stop()

	if err := stream.Start(ctx); err != nil {
		return cli.NewExitError(err.Error(), exitPassFailed)
	}
	if config.MetricsAddr != "" {
		go serveMetrics(ctx, config.MetricsAddr, watchHealth{stream}, logger)
	}

	<-ctx.Done()
	return stream.Stop()
}

// watchHealth reports the ticker connection as the process health
type watchHealth struct {
	stream *marketdata.TickerStream
}

func (w watchHealth) Health() HealthStatus {
	status := w.stream.GetConnectionStatus()
	h := HealthStatus{LastPassAt: status.LastMessage, Passes: status.MessageCount}
	if !status.IsConnected {
		h.LastError = "ticker stream disconnected"
	}
	return h
}

func runCandles(c *cli.Context) error {
	start, err := time.Parse(time.RFC3339, c.String("start"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("invalid --start: %v", err), exitConfigError)
	}
	end := time.Now()
	if s := c.String("end"); s != "" {
		if end, err = time.Parse(time.RFC3339, s); err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid --end: %v", err), exitConfigError)
		}
	}

	logger, err := util.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	client := marketdata.NewCandleClient(marketdata.DefaultCandleConfig, logger)
	candles, err := client.Download(ctx, c.String("symbol"), c.String("interval"), start, end)
	if err != nil {
		return cli.NewExitError(err.Error(), exitPassFailed)
	}

	var out io.Writer = os.Stdout
	if path := c.String("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return cli.NewExitError(err.Error(), exitPassFailed)
		}
		defer f.Close()
		out = f
	}
	if err := marketdata.WriteCSV(out, candles); err != nil {
		return cli.NewExitError(err.Error(), exitPassFailed)
	}
	logger.Info("candles written", zap.Int("count", len(candles)), zap.String("symbol", c.String("symbol")))
	return nil
}

func runCancel(c *cli.Context) error {
	config, err := loadConfigFromEnv()
	if err != nil {
		return cli.NewExitError(err.Error(), exitConfigError)
	}
	side, ok := execution.ParseOrderSide(c.String("side"))
	if !ok || c.String("symbol") == "" || c.String("id") == "" {
		return cli.NewExitError("--symbol, --id and --side (buy|sell) are required", exitConfigError)
	}

	logger, err := util.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	client, err := execution.NewClient(config.Exchange, logger)
	if err != nil {
		return cli.NewExitError(err.Error(), exitConfigError)
	}

	ctx, stop := signalContext()
	defer stop()

	if err := client.Cancel(ctx, c.String("symbol"), execution.OrderID(c.String("id")), side, c.String("hash")); err != nil {
		return cli.NewExitError(err.Error(), exitPassFailed)
	}
	return nil
}
