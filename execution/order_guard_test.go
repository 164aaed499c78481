package execution

import (
	"context"
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

type stubLister struct {
	orders map[string][]OpenOrder
	err    error
	calls  int
}

func (s *stubLister) OpenOrders(_ context.Context, symbol string) ([]OpenOrder, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.orders[symbol], nil
}

func TestOrderGuard_ClearWhenNoOrders(t *testing.T) {
	guard := NewOrderGuard(&stubLister{})

	blocked, orders, err := guard.HasOpenOrders(context.Background(), "XRP")
	assert.NilError(t, err)
	assert.Assert(t, !blocked)
	assert.Equal(t, len(orders), 0)
}

func TestOrderGuard_BlockedByRestingOrder(t *testing.T) {
	lister := &stubLister{orders: map[string][]OpenOrder{
		"XRP": {{ID: "11", Hash: "h", Side: "buy"}},
	}}
	guard := NewOrderGuard(lister)

	blocked, orders, err := guard.HasOpenOrders(context.Background(), "XRP")
	assert.NilError(t, err)
	assert.Assert(t, blocked)
	assert.Equal(t, orders[0].ID, OrderID("11"))

	blocked, _, err = guard.HasOpenOrders(context.Background(), "TRX")
	assert.NilError(t, err)
	assert.Assert(t, !blocked)
}

func TestOrderGuard_FailsClosed(t *testing.T) {
	lister := &stubLister{err: errors.New("connection reset")}
	guard := NewOrderGuard(lister)

	blocked, _, err := guard.HasOpenOrders(context.Background(), "XRP")
	assert.Assert(t, blocked, "a failed lookup must count as an open order")
	assert.ErrorContains(t, err, "open orders for XRP")
	assert.ErrorContains(t, err, "connection reset")
}

func TestOrderGuard_PlacedThisPass(t *testing.T) {
	lister := &stubLister{}
	guard := NewOrderGuard(lister)

	guard.MarkPlaced("XRP", &OrderResult{ID: "5"})
	blocked, _, err := guard.HasOpenOrders(context.Background(), "XRP")
	assert.NilError(t, err)
	assert.Assert(t, blocked)
	assert.Equal(t, lister.calls, 0, "tracked order short-circuits the lookup")

	guard.MarkPlaced("TRX", nil)
	assert.Assert(t, guard.GetPlaced("TRX") != nil)

	guard.Reset()
	assert.Assert(t, guard.GetPlaced("XRP") == nil)
	blocked, _, err = guard.HasOpenOrders(context.Background(), "XRP")
	assert.NilError(t, err)
	assert.Assert(t, !blocked)
	assert.Equal(t, lister.calls, 1)
}
