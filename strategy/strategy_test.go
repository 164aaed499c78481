package strategy

import (
	"errors"
	"testing"

	"rebalance-bot/execution"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quote(last, bid, ask string) execution.Quote {
	return execution.Quote{Last: d(last), HighestBid: d(bid), LowestAsk: d(ask)}
}

func mustEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := NewEngine(*cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestAssess_ThresholdBoundary(t *testing.T) {
	e := mutateSymbols(t, "A")
	target := d("1000")

	tests := []struct {
		name      string
		available string
		wantAct   Action
		wantPct   string
	}{
		{"exactly +3%", "1030", ActionSell, "3"},
		{"just below +3%", "1029.99", ActionHold, "3"},
		{"inside band", "1010", ActionHold, "1"},
		{"exactly -3%", "970", ActionSell, "-3"},
		{"just above -3%", "970.01", ActionHold, "-3"},
		{"far below", "500", ActionSell, "-50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Snapshot{
				Balances: map[string]execution.Balance{"A": {Available: d(tt.available)}},
				Quotes:   map[string]execution.Quote{"A": quote("1", "0.99", "1.01")},
			}
			a := e.Assess(snap, "A", target)
			if a.Candidate != tt.wantAct {
				t.Fatalf("candidate = %s (deviation %s), want %s", a.Candidate, a.Deviation, tt.wantAct)
			}
			if !a.DeviationPct.Equal(d(tt.wantPct)) {
				t.Errorf("deviation pct = %s, want %s", a.DeviationPct, tt.wantPct)
			}
		})
	}
}

func mutateSymbols(t *testing.T, symbols ...string) *Engine {
	return mustEngine(t, func(c *Config) { c.Symbols = symbols })
}

func TestDecide_SellUsesLowestAskAndAvailable(t *testing.T) {
	e := mutateSymbols(t, "A")
	snap := Snapshot{
		Balances: map[string]execution.Balance{"A": {Available: d("1030"), Reserved: d("5")}},
		Quotes:   map[string]execution.Quote{"A": quote("1", "0.99", "1.01")},
	}
	dec := e.Decide(e.Assess(snap, "A", d("1000")), false)
	if dec.Action != ActionSell || dec.Order == nil {
		t.Fatalf("expected sell, got %s", dec.Action)
	}
	if dec.Order.Side != execution.OrderSideSell {
		t.Errorf("side = %s", dec.Order.Side)
	}
	if !dec.Order.Amount.Equal(d("1030")) {
		t.Errorf("amount = %s, want available only", dec.Order.Amount)
	}
	if !dec.Order.Rate.Equal(d("1.01")) {
		t.Errorf("rate = %s, want lowest ask", dec.Order.Rate)
	}
}

func TestDecide_ZeroPositionRespectsGuard(t *testing.T) {
	e := mutateSymbols(t, "A")
	snap := Snapshot{
		Balances: map[string]execution.Balance{"A": {}},
		Quotes:   map[string]execution.Quote{"A": quote("20", "19.5", "20.5")},
	}
	a := e.Assess(snap, "A", d("150"))
	if a.Candidate != ActionBuy {
		t.Fatalf("candidate = %s, want BUY", a.Candidate)
	}

	allowed := e.Decide(a, false)
	if allowed.Action != ActionBuy || allowed.Order == nil {
		t.Fatalf("guard clear: got %s", allowed.Action)
	}
	if !allowed.Order.Amount.Equal(d("150")) || !allowed.Order.Rate.Equal(d("19.5")) {
		t.Errorf("buy %s at %s, want 150 at 19.5", allowed.Order.Amount, allowed.Order.Rate)
	}

	blocked := e.Decide(a, true)
	if blocked.Action != ActionHold || blocked.Order != nil {
		t.Fatalf("guard blocked: got %s", blocked.Action)
	}
	if blocked.Reason != ReasonOpenOrder {
		t.Errorf("reason = %q", blocked.Reason)
	}
}

func TestAssess_ZeroQuoteNeverBuys(t *testing.T) {
	e := mutateSymbols(t, "A")
	snap := Snapshot{Balances: map[string]execution.Balance{}}

	a := e.Assess(snap, "A", d("150"))
	if a.Candidate != ActionHold || a.Reason != ReasonNoMarketData {
		t.Fatalf("got %s (%s), want HOLD (no market data)", a.Candidate, a.Reason)
	}
	if dec := e.Decide(a, false); dec.IsTrade() {
		t.Fatal("zero quote must not trade")
	}
}

func TestAssess_NonPositiveTradeRateHolds(t *testing.T) {
	e := mutateSymbols(t, "A")

	tests := []struct {
		name      string
		available string
		quote     execution.Quote
	}{
		{"buy without bid", "0", quote("5", "0", "6")},
		{"sell without ask", "1030", quote("1", "0.99", "0")},
		{"position without last", "10", quote("0", "1", "1.1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Snapshot{
				Balances: map[string]execution.Balance{"A": {Available: d(tt.available)}},
				Quotes:   map[string]execution.Quote{"A": tt.quote},
			}
			a := e.Assess(snap, "A", d("1000"))
			if a.Candidate != ActionHold || a.Reason != ReasonNoMarketData {
				t.Fatalf("got %s (%s), want HOLD (no market data)", a.Candidate, a.Reason)
			}
			if dec := e.Decide(a, false); dec.IsTrade() {
				t.Fatalf("traded at rate %s", dec.Order.Rate)
			}
		})
	}
}

func TestAssess_MissingBalanceHolds(t *testing.T) {
	e := mutateSymbols(t, "A")
	snap := Snapshot{
		Balances: map[string]execution.Balance{"THB": {Available: d("500")}},
		Quotes:   map[string]execution.Quote{"A": quote("20", "19.5", "20.5")},
	}

	a := e.Assess(snap, "A", d("300"))
	if a.Candidate != ActionHold || a.Reason != ReasonNoBalance {
		t.Fatalf("got %s (%s), want HOLD (no balance data)", a.Candidate, a.Reason)
	}

	var nilBalances Snapshot
	nilBalances.Quotes = snap.Quotes
	if a := e.Assess(nilBalances, "A", d("300")); a.Candidate != ActionHold {
		t.Errorf("nil balances: candidate = %s", a.Candidate)
	}
}

func TestEvaluate_EmptyPortfolioBuysBoth(t *testing.T) {
	e := mustEngine(t, func(c *Config) { c.Symbols = []string{"A", "B"} })
	snap := Snapshot{
		Balances: map[string]execution.Balance{
			"A": {Available: decimal.Zero},
			"B": {Available: decimal.Zero},
		},
		Quotes: map[string]execution.Quote{
			"A": quote("0", "1", "1.1"),
			"B": quote("0", "2", "2.1"),
		},
	}

	if target := e.Target(snap); !target.Equal(d("150")) {
		t.Fatalf("target = %s, want 150", target)
	}

	decisions := e.Evaluate(snap, nil)
	if len(decisions) != 2 {
		t.Fatalf("got %d decisions", len(decisions))
	}
	wantRate := map[string]string{"A": "1", "B": "2"}
	for _, dec := range decisions {
		if dec.Action != ActionBuy {
			t.Fatalf("%s: action = %s", dec.Symbol(), dec.Action)
		}
		if !dec.Order.Amount.Equal(d("150")) {
			t.Errorf("%s: amount = %s", dec.Symbol(), dec.Order.Amount)
		}
		if !dec.Order.Rate.Equal(d(wantRate[dec.Symbol()])) {
			t.Errorf("%s: rate = %s", dec.Symbol(), dec.Order.Rate)
		}
	}
}

func TestEvaluate_OverweightSingleSymbol(t *testing.T) {
	snap := Snapshot{
		Balances: map[string]execution.Balance{"A": {Available: d("10")}},
		Quotes:   map[string]execution.Quote{"A": quote("35", "34.9", "35.1")},
	}

	fixed := mustEngine(t, func(c *Config) {
		c.Symbols = []string{"A"}
		c.Allocation = AllocationFixed
	})
	if target := fixed.Target(snap); !target.Equal(d("300")) {
		t.Fatalf("fixed target = %s, want 300", target)
	}
	dec := fixed.Evaluate(snap, map[string]bool{})[0]
	if dec.Action != ActionSell {
		t.Fatalf("fixed: action = %s", dec.Action)
	}
	if !dec.Assessment.HeldValue.Equal(d("350")) {
		t.Errorf("held = %s", dec.Assessment.HeldValue)
	}
	if !dec.Assessment.DeviationPct.Equal(d("16.67")) {
		t.Errorf("deviation = %s, want 16.67", dec.Assessment.DeviationPct)
	}
	if !dec.Order.Amount.Equal(d("10")) || !dec.Order.Rate.Equal(d("35.1")) {
		t.Errorf("sell %s at %s, want 10 at 35.1", dec.Order.Amount, dec.Order.Rate)
	}

	floating := mustEngine(t, func(c *Config) { c.Symbols = []string{"A"} })
	if target := floating.Target(snap); !target.Equal(d("350")) {
		t.Fatalf("floating target = %s, want 350", target)
	}
	if dec := floating.Evaluate(snap, nil)[0]; dec.Action != ActionHold {
		t.Errorf("floating: action = %s, want HOLD", dec.Action)
	}

	blocked := fixed.Evaluate(snap, map[string]bool{"A": true})[0]
	if blocked.Action != ActionHold || blocked.Reason != ReasonOpenOrder {
		t.Errorf("blocked: %s (%s)", blocked.Action, blocked.Reason)
	}
}

func TestTarget_FloatingBelowBudget(t *testing.T) {
	e := mustEngine(t, nil)
	snap := Snapshot{
		Balances: map[string]execution.Balance{"XRP": {Available: d("5")}, "TRX": {Available: d("100")}},
		Quotes: map[string]execution.Quote{
			"XRP": quote("20", "19", "21"),
			"TRX": quote("1", "0.9", "1.1"),
		},
	}
	if total := e.TotalHeldValue(snap); !total.Equal(d("200")) {
		t.Fatalf("total = %s, want 200", total)
	}
	if target := e.Target(snap); !target.Equal(d("150")) {
		t.Errorf("target = %s, want 150", target)
	}
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no symbols", func(c *Config) { c.Symbols = nil }},
		{"duplicate symbol", func(c *Config) { c.Symbols = []string{"XRP", "XRP"} }},
		{"zero budget", func(c *Config) { c.Budget = decimal.Zero }},
		{"negative threshold", func(c *Config) { c.SellThresholdPct = d("-1") }},
		{"bad allocation", func(c *Config) { c.Allocation = "weighted" }},
		{"bad order type", func(c *Config) { c.OrderType = "stop" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			_, err := NewEngine(*cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestParseAllocationMode(t *testing.T) {
	for in, want := range map[string]AllocationMode{"": AllocationFloating, "Fixed": AllocationFixed, "floating": AllocationFloating} {
		got, err := ParseAllocationMode(in)
		if err != nil || got != want {
			t.Errorf("ParseAllocationMode(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseAllocationMode("weighted"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
