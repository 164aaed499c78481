package strategy

import (
	"errors"
	"fmt"
	"strings"

	"rebalance-bot/execution"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SEGMENT 1: CORE TYPES AND CONFIGURATION
// =============================================================================

// AllocationMode selects how the per-symbol target is derived from budget and holdings
type AllocationMode string

const (
	// AllocationFloating targets budget/n until holdings outgrow the budget, then total/n.
	AllocationFloating AllocationMode = "floating"
	// AllocationFixed always targets budget/n.
	AllocationFixed AllocationMode = "fixed"
)

// ParseAllocationMode accepts "floating" or "fixed"; empty means floating.
func ParseAllocationMode(s string) (AllocationMode, error) {
	switch AllocationMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", AllocationFloating:
		return AllocationFloating, nil
	case AllocationFixed:
		return AllocationFixed, nil
	}
	return "", fmt.Errorf("%w: unknown allocation mode %q", ErrInvalidConfig, s)
}

// Action is the outcome of evaluating one symbol
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

const (
	ReasonNoMarketData = "no market data"
	ReasonNoBalance    = "no balance data"
	ReasonNoPosition   = "no position"
	ReasonAboveBand    = "deviation above threshold"
	ReasonBelowBand    = "deviation below threshold"
	ReasonWithinBand   = "within threshold"
	ReasonOpenOrder    = "blocked by open order"
)

var ErrInvalidConfig = errors.New("invalid rebalance config")

var hundred = decimal.NewFromInt(100)

// Config contains the rebalancing parameters
type Config struct {
	Symbols          []string            `json:"symbols"`            // Tracked assets, e.g. XRP
	Budget           decimal.Decimal     `json:"budget"`             // THB across all symbols
	SellThresholdPct decimal.Decimal     `json:"sell_threshold_pct"` // Symmetric band in percent
	Allocation       AllocationMode      `json:"allocation"`
	OrderType        execution.OrderType `json:"order_type"`
}

// DefaultConfig returns the rebalancing parameters the bot runs with out of the box.
func DefaultConfig() *Config {
	return &Config{
		Symbols:          []string{"XRP", "TRX"},
		Budget:           decimal.NewFromInt(300),
		SellThresholdPct: decimal.NewFromInt(3),
		Allocation:       AllocationFloating,
		OrderType:        execution.OrderTypeLimit,
	}
}

// Validate reports the first problem found, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("%w: no symbols configured", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: empty symbol", ErrInvalidConfig)
		}
		if seen[s] {
			return fmt.Errorf("%w: duplicate symbol %s", ErrInvalidConfig, s)
		}
		seen[s] = true
	}
	if !c.Budget.IsPositive() {
		return fmt.Errorf("%w: budget must be positive, got %s", ErrInvalidConfig, c.Budget)
	}
	if !c.SellThresholdPct.IsPositive() {
		return fmt.Errorf("%w: sell threshold must be positive, got %s", ErrInvalidConfig, c.SellThresholdPct)
	}
	switch c.Allocation {
	case AllocationFloating, AllocationFixed:
	default:
		return fmt.Errorf("%w: unknown allocation mode %q", ErrInvalidConfig, c.Allocation)
	}
	switch c.OrderType {
	case execution.OrderTypeLimit, execution.OrderTypeMarket:
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidConfig, c.OrderType)
	}
	return nil
}

// Snapshot is the live account and market state one pass decides on.
type Snapshot struct {
	Balances map[string]execution.Balance
	Quotes   map[string]execution.Quote
}

func (s Snapshot) available(symbol string) decimal.Decimal {
	return s.Balances[symbol].Available
}

// Assessment is the engine's view of one symbol before the open-order guard is consulted.
type Assessment struct {
	Symbol       string
	Quote        execution.Quote
	Available    decimal.Decimal
	HeldValue    decimal.Decimal
	Target       decimal.Decimal
	Deviation    decimal.Decimal // exact percentage, compared against the band
	DeviationPct decimal.Decimal // Deviation rounded to 2 dp for reporting
	Candidate    Action
	Reason       string
}

// Decision is the final action for one symbol. Order is nil for Hold.
type Decision struct {
	Assessment Assessment
	Action     Action
	Reason     string
	Order      *execution.OrderRequest
}

func (d Decision) Symbol() string { return d.Assessment.Symbol }

// IsTrade reports whether the decision places an order.
func (d Decision) IsTrade() bool { return d.Order != nil }

// =============================================================================
// SEGMENT 2: REBALANCE ENGINE
// =============================================================================

// Engine computes rebalance decisions. It keeps no state between calls.
type Engine struct {
	config Config
}

func NewEngine(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.Symbols = append([]string(nil), config.Symbols...)
	return &Engine{config: config}, nil
}

func (e *Engine) Config() Config {
	c := e.config
	c.Symbols = append([]string(nil), e.config.Symbols...)
	return c
}

func (e *Engine) Symbols() []string {
	return append([]string(nil), e.config.Symbols...)
}

// TotalHeldValue sums available * last over the tracked symbols.
func (e *Engine) TotalHeldValue(snap Snapshot) decimal.Decimal {
	total := decimal.Zero
	for _, symbol := range e.config.Symbols {
		total = total.Add(snap.available(symbol).Mul(snap.Quotes[symbol].Last))
	}
	return total
}

// Target returns the THB value each tracked symbol should hold.
func (e *Engine) Target(snap Snapshot) decimal.Decimal {
	n := decimal.NewFromInt(int64(len(e.config.Symbols)))
	if e.config.Allocation == AllocationFixed {
		return e.config.Budget.Div(n)
	}
	total := e.TotalHeldValue(snap)
	if total.LessThan(e.config.Budget) {
		return e.config.Budget.Div(n)
	}
	return total.Div(n)
}

// Assess places one symbol relative to target and proposes a candidate action. A symbol is
// held when it is missing from the balances or when the price it would trade at is not positive.
func (e *Engine) Assess(snap Snapshot, symbol string, target decimal.Decimal) Assessment {
	q := snap.Quotes[symbol]
	a := Assessment{
		Symbol:    symbol,
		Quote:     q,
		Target:    target,
		Candidate: ActionHold,
	}

	if q.IsZero() {
		a.Reason = ReasonNoMarketData
		return a
	}

	balance, ok := snap.Balances[symbol]
	if !ok {
		a.Reason = ReasonNoBalance
		return a
	}
	a.Available = balance.Available

	// A held position without a last price cannot be valued.
	if a.Available.IsPositive() && !q.Last.IsPositive() {
		a.Reason = ReasonNoMarketData
		return a
	}

	a.HeldValue = a.Available.Mul(q.Last)
	if a.HeldValue.IsZero() {
		a.Reason = ReasonNoPosition
		if !q.HighestBid.IsPositive() {
			a.Reason = ReasonNoMarketData
			return a
		}
		a.Candidate = ActionBuy
		return a
	}

	a.Deviation = a.HeldValue.Sub(target).Mul(hundred).Div(target)
	a.DeviationPct = a.Deviation.Round(2)

	threshold := e.config.SellThresholdPct
	switch {
	case a.Deviation.GreaterThanOrEqual(threshold):
		a.Candidate = ActionSell
		a.Reason = ReasonAboveBand
	case a.Deviation.LessThanOrEqual(threshold.Neg()):
		a.Candidate = ActionSell
		a.Reason = ReasonBelowBand
	default:
		a.Reason = ReasonWithinBand
	}
	if a.Candidate == ActionSell && !q.LowestAsk.IsPositive() {
		a.Candidate = ActionHold
		a.Reason = ReasonNoMarketData
	}
	return a
}

// Decide turns an assessment into a decision. A candidate trade is held when the symbol has
// open orders; callers pass true when the open-order lookup failed.
func (e *Engine) Decide(a Assessment, hasOpenOrders bool) Decision {
	d := Decision{Assessment: a, Action: ActionHold, Reason: a.Reason}
	if a.Candidate == ActionHold {
		return d
	}
	if hasOpenOrders {
		d.Reason = ReasonOpenOrder
		return d
	}

	switch a.Candidate {
	case ActionBuy:
		d.Order = &execution.OrderRequest{
			Symbol: a.Symbol,
			Side:   execution.OrderSideBuy,
			Amount: a.Target,
			Rate:   a.Quote.HighestBid,
			Type:   e.config.OrderType,
		}
	case ActionSell:
		d.Order = &execution.OrderRequest{
			Symbol: a.Symbol,
			Side:   execution.OrderSideSell,
			Amount: a.Available,
			Rate:   a.Quote.LowestAsk,
			Type:   e.config.OrderType,
		}
	}
	d.Action = a.Candidate
	return d
}

// Evaluate decides every tracked symbol against one snapshot. openOrders maps symbols to
// their guard result; a missing entry means no open orders.
func (e *Engine) Evaluate(snap Snapshot, openOrders map[string]bool) []Decision {
	target := e.Target(snap)
	decisions := make([]Decision, 0, len(e.config.Symbols))
	for _, symbol := range e.config.Symbols {
		a := e.Assess(snap, symbol, target)
		decisions = append(decisions, e.Decide(a, openOrders[symbol]))
	}
	return decisions
}
