package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"delta-volume/internal/config"
	"delta-volume/internal/exchange"
	"delta-volume/internal/leverage"
	"delta-volume/internal/position"
	"delta-volume/internal/risk"
)

// scriptedExecutor 按脚本回复指令并记录收到的全部指令。
type scriptedExecutor struct {
	name string

	mu             sync.Mutex
	commands       []exchange.Command
	fills          []bool
	rejectLimit    bool
	marketFailures int
	closeFail      bool
}

func (s *scriptedExecutor) Execute(_ context.Context, cmd exchange.Command) (exchange.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)

	ok := exchange.Outcome{Success: true}
	switch c := cmd.(type) {
	case exchange.UpdateLeverage, exchange.CancelOrder:
		return exchange.AckReply{Outcome: ok}, nil
	case exchange.LimitOrder:
		if s.rejectLimit {
			return exchange.PlaceReply{Outcome: exchange.Outcome{Error: "post-only rejected"}}, nil
		}
		return exchange.PlaceReply{Outcome: ok, TxHash: "0xabc", OrderID: fmt.Sprintf("%s-%d", s.name, c.ClientOrderIndex)}, nil
	case exchange.MarketOrder:
		if c.ReduceOnly && s.closeFail {
			return exchange.PlaceReply{Outcome: exchange.Outcome{Error: "close rejected"}}, nil
		}
		if !c.ReduceOnly && s.marketFailures > 0 {
			s.marketFailures--
			return exchange.PlaceReply{Outcome: exchange.Outcome{Error: "insufficient margin"}}, nil
		}
		return exchange.PlaceReply{Outcome: ok, TxHash: "0xdef"}, nil
	case exchange.OrderStatus:
		filled := false
		if len(s.fills) > 0 {
			filled, s.fills = s.fills[0], s.fills[1:]
		}
		return exchange.StatusReply{Outcome: ok, Filled: filled}, nil
	}
	return nil, exchange.ErrUnsupportedCommand
}

func (s *scriptedExecutor) kinds() []exchange.CommandKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]exchange.CommandKind, 0, len(s.commands))
	for _, cmd := range s.commands {
		kinds = append(kinds, cmd.Kind())
	}
	return kinds
}

func (s *scriptedExecutor) limitOrders() []exchange.LimitOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orders []exchange.LimitOrder
	for _, cmd := range s.commands {
		if order, ok := cmd.(exchange.LimitOrder); ok {
			orders = append(orders, order)
		}
	}
	return orders
}

func (s *scriptedExecutor) marketOrders() []exchange.MarketOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orders []exchange.MarketOrder
	for _, cmd := range s.commands {
		if order, ok := cmd.(exchange.MarketOrder); ok {
			orders = append(orders, order)
		}
	}
	return orders
}

type fakeMarketData struct {
	detail     exchange.MarketDetail
	quote      exchange.Quote
	resolveErr error
	quoteErr   error
	quoteCalls int
}

func (f *fakeMarketData) Resolve(_ context.Context, market exchange.MarketID) (exchange.MarketInfo, error) {
	if f.resolveErr != nil {
		return exchange.MarketInfo{}, f.resolveErr
	}
	detail := f.detail
	detail.ID = market
	return exchange.MarketInfo{MarketDetail: detail, Quote: f.quote}, nil
}

func (f *fakeMarketData) Quote(_ context.Context, _ exchange.MarketID) (exchange.Quote, error) {
	f.quoteCalls++
	if f.quoteErr != nil {
		return exchange.Quote{}, f.quoteErr
	}
	return f.quote, nil
}

type fixedRand struct {
	intN   int
	int64N int64
	float  float64
}

func (r fixedRand) IntN(n int) int       { return r.intN % n }
func (r fixedRand) Int64N(n int64) int64 { return min(r.int64N, n-1) }
func (r fixedRand) Float64() float64     { return r.float }

type harness struct {
	engine *Engine
	long   *scriptedExecutor
	short  *scriptedExecutor
	data   *fakeMarketData
	book   *position.Book
	now    time.Time
	slept  []time.Duration
}

func testConfig(probability float64) *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			Markets:    []int{1},
			BaseAmount: 100,
			MaxSpread:  0.001,
			Leverage:   5,
			MarginMode: config.MarginModeCross,
		},
		Schedule: config.ScheduleConfig{
			MinCloseDelay: 60 * time.Second,
			MaxCloseDelay: 120 * time.Second,
		},
		LimitOrder: config.LimitOrderConfig{
			Probability:     probability,
			WaitTime:        10 * time.Second,
			MaxRetries:      2,
			RetryAdjustment: 0.1,
			SpreadPosition:  0.4,
		},
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		long:  &scriptedExecutor{name: "long"},
		short: &scriptedExecutor{name: "short"},
		data: &fakeMarketData{
			detail: exchange.MarketDetail{Symbol: "BTC", SizeDecimals: 5, PriceDecimals: 1, PrecisionKnown: true, MaxLeverage: 20},
			quote:  exchange.Quote{Bid: 95000, Ask: 95010},
		},
		book: position.NewBook(),
		now:  time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}

	longAcct := exchange.NewAccount("long", h.long, nil)
	shortAcct := exchange.NewAccount("short", h.short, nil)
	lev, err := leverage.NewManager(cfg.Trading, longAcct, shortAcct, nil)
	require.NoError(t, err)

	engine, err := NewEngine(cfg, Dependencies{
		Data:     h.data,
		Leverage: lev,
		Guard:    risk.NewSpreadGuard(cfg.Trading.MaxSpread, nil),
		Long:     longAcct,
		Short:    shortAcct,
		Book:     h.book,
	}, nil)
	require.NoError(t, err)

	engine.rng = fixedRand{float: 0.5, int64N: int64(30 * time.Second)}
	engine.now = func() time.Time { return h.now }
	engine.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	engine.newID = func() string { return "attempt-1" }
	h.engine = engine
	return h
}

func TestEngine_LimitBothFilledSchedulesClose(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.long.fills = []bool{true}
	h.short.fills = []bool{true}

	out := h.engine.Execute(context.Background(), 1)

	require.True(t, out.Success)
	require.NoError(t, out.Err)
	require.Equal(t, PhaseBothFilled, out.Phase)
	require.Equal(t, StyleLimit, out.Style)
	require.Equal(t, "BTC", out.Symbol)
	require.Equal(t, 2, out.OrdersSent)
	require.Equal(t, leverage.Target{Long: 5, Short: 5}, out.Leverage)

	longOrders, shortOrders := h.long.limitOrders(), h.short.limitOrders()
	require.Len(t, longOrders, 1)
	require.Len(t, shortOrders, 1)
	require.Equal(t, exchange.SideBuy, longOrders[0].Side)
	require.Equal(t, exchange.SideSell, shortOrders[0].Side)
	require.Equal(t, int64(950040), longOrders[0].Price)
	require.Equal(t, int64(950060), shortOrders[0].Price)
	require.Equal(t, int64(100), longOrders[0].BaseAmount)
	require.Equal(t, exchange.CorrelationID(h.now.UnixMilli(), 0), longOrders[0].ClientOrderIndex)
	require.Equal(t, exchange.CorrelationID(h.now.UnixMilli(), 1), shortOrders[0].ClientOrderIndex)
	require.Equal(t, []time.Duration{10 * time.Second}, h.slept)

	require.Equal(t, 1, h.book.Len())
	rec := h.book.Snapshot()[0]
	require.Equal(t, out.Position.ID, rec.ID)
	require.Equal(t, int64(100), rec.BaseAmount)
	require.Equal(t, h.now.Add(90*time.Second), rec.CloseAt)
	require.False(t, rec.CloseAt.Before(h.now.Add(60*time.Second)))
	require.False(t, rec.CloseAt.After(h.now.Add(120*time.Second)))
}

func TestEngine_LimitRetriesExhaustedLeavesNoPosition(t *testing.T) {
	h := newHarness(t, testConfig(1))

	out := h.engine.Execute(context.Background(), 2)

	require.False(t, out.Success)
	require.ErrorIs(t, out.Err, ErrRetriesExhausted)
	require.Equal(t, PhaseRetryExhausted, out.Phase)
	require.False(t, out.Unhedged)
	require.Zero(t, h.book.Len())

	require.Empty(t, h.long.marketOrders(), "exhausted retries must not fall back to market orders")
	require.Empty(t, h.short.marketOrders())

	longOrders := h.long.limitOrders()
	require.Len(t, longOrders, 3)
	base := h.now.UnixMilli()
	require.Equal(t, exchange.CorrelationID(base, 0), longOrders[0].ClientOrderIndex)
	require.Equal(t, exchange.CorrelationID(base, 12), longOrders[1].ClientOrderIndex)
	require.Equal(t, exchange.CorrelationID(base, 14), longOrders[2].ClientOrderIndex)
	require.Less(t, longOrders[0].Price, longOrders[1].Price)
	require.Less(t, longOrders[1].Price, longOrders[2].Price)

	require.Equal(t, 2, h.data.quoteCalls, "each retry refreshes the quote")
	require.Equal(t, []exchange.CommandKind{
		exchange.KindUpdateLeverage,
		exchange.KindLimitOrder, exchange.KindOrderStatus, exchange.KindCancelOrder,
		exchange.KindLimitOrder, exchange.KindOrderStatus, exchange.KindCancelOrder,
		exchange.KindLimitOrder, exchange.KindOrderStatus, exchange.KindCancelOrder,
	}, h.short.kinds())
}

func TestEngine_AsymmetricFillClosesBeforeRemediation(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.long.fills = []bool{true, true}
	h.short.fills = []bool{false, true}

	out := h.engine.Execute(context.Background(), 3)

	require.True(t, out.Success)
	require.True(t, out.Remediated)
	require.Equal(t, 1, h.book.Len())

	require.Equal(t, []exchange.CommandKind{
		exchange.KindUpdateLeverage,
		exchange.KindLimitOrder, exchange.KindOrderStatus,
		exchange.KindMarketOrder,
		exchange.KindLimitOrder, exchange.KindOrderStatus,
	}, h.long.kinds())
	require.Equal(t, []exchange.CommandKind{
		exchange.KindUpdateLeverage,
		exchange.KindLimitOrder, exchange.KindOrderStatus,
		exchange.KindCancelOrder,
		exchange.KindLimitOrder, exchange.KindOrderStatus,
	}, h.short.kinds())

	closes := h.long.marketOrders()
	require.Len(t, closes, 1)
	require.True(t, closes[0].ReduceOnly)
	require.Equal(t, exchange.SideSell, closes[0].Side)
	require.Equal(t, exchange.SellPriceBound, closes[0].PriceBound)
	require.Equal(t, int64(100), closes[0].BaseAmount)

	require.Equal(t, []time.Duration{10 * time.Second, 5 * time.Second}, h.slept, "remediation waits half as long")
	require.Equal(t, 5, out.OrdersSent)
}

func TestEngine_WideSpreadSendsNoOrders(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.data.quote = exchange.Quote{Bid: 998, Ask: 1000}

	out := h.engine.Execute(context.Background(), 4)

	require.False(t, out.Success)
	require.ErrorIs(t, out.Err, risk.ErrSpreadTooWide)
	require.Zero(t, out.OrdersSent)
	require.False(t, out.Placed())
	require.Empty(t, h.long.limitOrders())
	require.Empty(t, h.short.limitOrders())
	require.Empty(t, h.long.marketOrders())
	require.Zero(t, h.book.Len())
}

func TestEngine_DegradedModeUsesFallbackPrecision(t *testing.T) {
	cfg := testConfig(0)
	cfg.Trading.BaseAmount = 0
	cfg.Trading.BaseAmountUSDT = 50
	h := newHarness(t, cfg)
	h.data.resolveErr = errors.New("details unavailable")
	h.data.quote = exchange.Quote{Bid: 3000, Ask: 3000.5}

	out := h.engine.Execute(context.Background(), 5)

	require.True(t, out.Success)
	require.True(t, out.Degraded)
	require.Equal(t, StyleMarket, out.Style)
	require.Equal(t, "Market 1", out.Symbol)
	require.Equal(t, int64(833), out.BaseAmount)

	longOrders := h.long.marketOrders()
	require.Len(t, longOrders, 1)
	require.Equal(t, exchange.BuyPriceBound, longOrders[0].PriceBound)
	require.Equal(t, exchange.Scale{SizeDecimals: 4, PriceDecimals: 2}, longOrders[0].Scale)
	require.False(t, longOrders[0].ReduceOnly)

	shortOrders := h.short.marketOrders()
	require.Len(t, shortOrders, 1)
	require.Equal(t, exchange.SideSell, shortOrders[0].Side)
	require.Equal(t, exchange.SellPriceBound, shortOrders[0].PriceBound)
}

func TestEngine_PriceUnavailableAbandonsWithoutOrders(t *testing.T) {
	h := newHarness(t, testConfig(0))
	h.data.resolveErr = errors.New("details unavailable")
	h.data.quoteErr = exchange.ErrBookUnavailable

	out := h.engine.Execute(context.Background(), 6)

	require.ErrorIs(t, out.Err, ErrPriceUnavailable)
	require.Zero(t, out.OrdersSent)
	require.Empty(t, h.long.marketOrders())
}

func TestEngine_MarketAsymmetryClosesThenRetriesOnce(t *testing.T) {
	h := newHarness(t, testConfig(0))
	h.short.marketFailures = 1

	out := h.engine.Execute(context.Background(), 7)

	require.True(t, out.Success)
	require.True(t, out.Remediated)
	require.Equal(t, 5, out.OrdersSent)

	longOrders := h.long.marketOrders()
	require.Len(t, longOrders, 3)
	require.False(t, longOrders[0].ReduceOnly)
	require.True(t, longOrders[1].ReduceOnly)
	require.Equal(t, exchange.SideSell, longOrders[1].Side)
	require.False(t, longOrders[2].ReduceOnly)
	require.Equal(t, exchange.SideBuy, longOrders[2].Side)
	require.Empty(t, h.slept)
}

func TestEngine_FailedCloseIsReportedUnhedged(t *testing.T) {
	h := newHarness(t, testConfig(0))
	h.short.marketFailures = 1
	h.long.closeFail = true

	out := h.engine.Execute(context.Background(), 8)

	require.False(t, out.Success)
	require.True(t, out.Unhedged)
	require.Equal(t, PhaseAbandoned, out.Phase)
	require.ErrorIs(t, out.Err, ErrAsymmetricFill)
	require.Zero(t, h.book.Len())
	require.Len(t, h.long.marketOrders(), 2, "failed close is not retried")
}

func TestEngine_OneSidedLimitPlacementCancels(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.short.rejectLimit = true

	out := h.engine.Execute(context.Background(), 9)

	require.False(t, out.Success)
	require.ErrorIs(t, out.Err, ErrPlacementFailed)
	require.Equal(t, []exchange.CommandKind{
		exchange.KindUpdateLeverage,
		exchange.KindLimitOrder,
		exchange.KindCancelOrder,
	}, h.long.kinds())
	require.Empty(t, h.long.marketOrders())
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(testConfig(1), Dependencies{}, nil)
	require.Error(t, err)

	cfg := testConfig(1)
	cfg.Trading.Markets = nil
	_, err = NewEngine(cfg, Dependencies{}, nil)
	require.Error(t, err)
}
