package execution

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type OpenOrderLister interface {
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
}

// OrderGuard blocks placement for a symbol while the exchange reports resting orders for it,
// or while an order placed earlier in the same pass is still tracked.
type OrderGuard struct {
	lister OpenOrderLister
	placed map[string]*OrderResult
	mu     sync.RWMutex
}

func NewOrderGuard(lister OpenOrderLister) *OrderGuard {
	return &OrderGuard{
		lister: lister,
		placed: make(map[string]*OrderResult),
	}
}

// HasOpenOrders fails closed: on any error it returns true together with the error.
// false is only returned for a confirmed empty open-order list.
func (g *OrderGuard) HasOpenOrders(ctx context.Context, symbol string) (bool, []OpenOrder, error) {
	if g.GetPlaced(symbol) != nil {
		return true, nil, nil
	}
	orders, err := g.lister.OpenOrders(ctx, symbol)
	if err != nil {
		return true, nil, errors.Wrapf(err, "open orders for %s", symbol)
	}
	return len(orders) > 0, orders, nil
}

// MarkPlaced records an order submitted during the current pass.
func (g *OrderGuard) MarkPlaced(symbol string, result *OrderResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if result == nil {
		result = &OrderResult{}
	}
	g.placed[symbol] = result
}

func (g *OrderGuard) GetPlaced(symbol string) *OrderResult {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.placed[symbol]
}

// Reset forgets orders tracked by the previous pass.
func (g *OrderGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = make(map[string]*OrderResult)
}
