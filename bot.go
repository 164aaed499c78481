package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rebalance-bot/execution"
	"rebalance-bot/runlock"
	"rebalance-bot/strategy"
	"rebalance-bot/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const passLockName = "pass"

// RebalanceBot runs rebalance passes against one Bitkub account
type RebalanceBot struct {
	config   *BotConfig
	exchange execution.Exchange
	engine   *strategy.Engine
	guard    *execution.OrderGuard
	locker   runlock.Locker
	logger   *zap.Logger
	clock    util.Clock

	healthMu sync.RWMutex
	health   HealthStatus
}

// OrderOutcome records what happened to one order decision
type OrderOutcome struct {
	Symbol string
	Order  execution.OrderRequest
	Result *execution.OrderResult
	Err    error
	DryRun bool
}

// PassReport summarizes one pass
type PassReport struct {
	RunID     string
	Skipped   bool // another holder had the run lock
	TotalHeld decimal.Decimal
	Target    decimal.Decimal
	Decisions []strategy.Decision
	Outcomes  []OrderOutcome
}

func NewRebalanceBot(config *BotConfig, exchange execution.Exchange, locker runlock.Locker, logger *zap.Logger, clock util.Clock) (*RebalanceBot, error) {
	engine, err := strategy.NewEngine(*config.Strategy)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if locker == nil {
		locker = runlock.NewMemoryLocker(clock)
	}
	return &RebalanceBot{
		config:   config,
		exchange: exchange,
		engine:   engine,
		guard:    execution.NewOrderGuard(exchange),
		locker:   locker,
		logger:   logger,
		clock:    clock,
	}, nil
}

// RunPass performs one balances -> quotes -> decide -> place cycle. Errors are returned only
// for failures before any order is attempted.
func (b *RebalanceBot) RunPass(ctx context.Context) (PassReport, error) {
	report := PassReport{RunID: uuid.NewString()}
	logger := b.logger.With(zap.String("run_id", report.RunID))

	token, ok, err := b.locker.Acquire(ctx, passLockName, b.config.LockTTL)
	if err != nil {
		passCounters.WithLabelValues("failed").Inc()
		return report, b.finish(report, fmt.Errorf("failed to acquire run lock: %w", err))
	}
	if !ok {
		logger.Warn("another pass holds the run lock, skipping")
		passCounters.WithLabelValues("skipped").Inc()
		report.Skipped = true
		return report, nil
	}
	defer func() {
		if err := b.locker.Release(context.WithoutCancel(ctx), passLockName, token); err != nil {
			logger.Warn("failed to release run lock", zap.Error(err))
		}
	}()

	b.guard.Reset()

	balances, err := b.exchange.Balances(ctx)
	if err != nil {
		logger.Error("failed to fetch balances", zap.Error(err))
		passCounters.WithLabelValues("failed").Inc()
		return report, b.finish(report, fmt.Errorf("failed to fetch balances: %w", err))
	}

	snap := strategy.Snapshot{
		Balances: balances,
		Quotes:   make(map[string]execution.Quote, len(b.engine.Symbols())),
	}
	for _, symbol := range b.engine.Symbols() {
		snap.Quotes[symbol] = b.exchange.Quote(ctx, symbol)
	}

	report.TotalHeld = b.engine.TotalHeldValue(snap)
	report.Target = b.engine.Target(snap)
	targetGauge.Set(report.Target.InexactFloat64())

	logger.Info("pass started",
		zap.String("total_held", report.TotalHeld.StringFixed(2)),
		zap.String("target", report.Target.StringFixed(2)),
		zap.String("budget", b.config.Strategy.Budget.String()),
		zap.Bool("dry_run", b.config.DryRun))

	for _, symbol := range b.engine.Symbols() {
		assessment := b.engine.Assess(snap, symbol, report.Target)

		blocked := false
		if assessment.Candidate != strategy.ActionHold {
			blocked = b.checkOpenOrders(ctx, logger, symbol)
		}

		decision := b.engine.Decide(assessment, blocked)
		report.Decisions = append(report.Decisions, decision)
		b.logDecision(logger, decision)
		decisionCounters.WithLabelValues(symbol, string(decision.Action)).Inc()

		if decision.Order != nil {
			report.Outcomes = append(report.Outcomes, b.place(ctx, logger, *decision.Order))
		}
	}

	passCounters.WithLabelValues("completed").Inc()
	logger.Info("pass finished", zap.Int("orders", len(report.Outcomes)))
	return report, b.finish(report, nil)
}

// checkOpenOrders reports whether symbol must be held. A failed lookup counts as blocked.
func (b *RebalanceBot) checkOpenOrders(ctx context.Context, logger *zap.Logger, symbol string) bool {
	hasOrders, orders, err := b.guard.HasOpenOrders(ctx, symbol)
	if err != nil {
		logger.Error("open order check failed, holding",
			zap.String("symbol", symbol),
			zap.Bool("exchange_rejected", execution.IsRejection(err)),
			zap.Error(err))
		return true
	}
	for _, order := range orders {
		side, ok := execution.ParseOrderSide(order.Side)
		if !ok {
			side = execution.OrderSide(order.Side)
		}
		logger.Info(fmt.Sprintf("Hold %s Order %s ID: %s", side, symbol, order.ID),
			zap.String("symbol", symbol),
			zap.String("hash", order.Hash),
			zap.String("rate", order.Rate.String()),
			zap.String("amount", order.Amount.String()))
	}
	return hasOrders
}

func (b *RebalanceBot) place(ctx context.Context, logger *zap.Logger, order execution.OrderRequest) OrderOutcome {
	order.Timestamp = b.clock.Now()
	outcome := OrderOutcome{Symbol: order.Symbol, Order: order, DryRun: b.config.DryRun}
	fields := []zap.Field{
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("amount", order.Amount.String()),
		zap.String("rate", order.Rate.String()),
		zap.String("type", string(order.Type)),
	}

	if b.config.DryRun {
		logger.Info("dry run, order not sent", fields...)
		orderCounters.WithLabelValues(string(order.Side), "dry_run").Inc()
		return outcome
	}

	result, err := b.exchange.Place(ctx, order)
	if err != nil {
		outcome.Err = err
		result := "failed"
		if execution.IsRejection(err) {
			result = "rejected"
		}
		orderCounters.WithLabelValues(string(order.Side), result).Inc()
		logger.Error("order "+result, append(fields, zap.Error(err))...)
		return outcome
	}

	outcome.Result = result
	b.guard.MarkPlaced(order.Symbol, result)
	orderCounters.WithLabelValues(string(order.Side), "placed").Inc()
	logger.Info("order placed", append(fields,
		zap.String("id", outcome.Result.ID.String()),
		zap.String("hash", outcome.Result.Hash),
		zap.String("fee", outcome.Result.Fee.String()),
		zap.String("received", outcome.Result.Received.String()))...)
	return outcome
}

func (b *RebalanceBot) logDecision(logger *zap.Logger, d strategy.Decision) {
	a := d.Assessment
	fields := []zap.Field{
		zap.String("symbol", a.Symbol),
		zap.String("action", string(d.Action)),
		zap.String("reason", d.Reason),
		zap.String("held", a.HeldValue.StringFixed(2)),
		zap.String("target", a.Target.StringFixed(2)),
		zap.String("deviation_pct", a.DeviationPct.StringFixed(2)),
	}
	if d.Order != nil {
		fields = append(fields,
			zap.String("amount", d.Order.Amount.String()),
			zap.String("rate", d.Order.Rate.String()))
	}
	logger.Info("decision", fields...)
}

func (b *RebalanceBot) finish(report PassReport, err error) error {
	b.healthMu.Lock()
	defer b.healthMu.Unlock()
	b.health.LastRunID = report.RunID
	b.health.LastPassAt = b.clock.Now()
	b.health.Passes++
	b.health.LastError = ""
	if err != nil {
		b.health.LastError = err.Error()
	}
	return err
}

// Health implements HealthReporter.
func (b *RebalanceBot) Health() HealthStatus {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.health
}

// RunEvery runs a pass immediately and then once per interval until ctx is cancelled. Pass
// errors are logged and do not stop the loop.
func (b *RebalanceBot) RunEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := b.RunPass(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			b.logger.Error("pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
