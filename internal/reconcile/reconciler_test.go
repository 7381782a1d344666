package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ballast/internal/instrument"
	"ballast/internal/portfolio"
	"ballast/internal/venue"
	"ballast/internal/venue/paper"
	"ballast/internal/weights"
)

// flakyVenue 包一层 paper，第 failOn 次提交返回传输错误。
type flakyVenue struct {
	*paper.Paper
	failOn int
	calls  int
}

func (f *flakyVenue) SubmitOrder(ctx context.Context, order venue.Order) (venue.OrderStatus, error) {
	f.calls++
	if f.calls == f.failOn {
		return venue.OrderStatus{}, fmt.Errorf("gateway 连接被重置")
	}
	return f.Paper.SubmitOrder(ctx, order)
}

func testSpec(id string, mult, tick, lot float64) instrument.Spec {
	return instrument.Spec{
		ID: id, Symbol: id, Currency: "USD", Kind: instrument.KindEquity,
		Multiplier: mult, TickSize: tick, LotSize: lot, Tradeable: true,
	}
}

func specMap(specs ...instrument.Spec) map[string]instrument.Spec {
	out := make(map[string]instrument.Spec, len(specs))
	for _, s := range specs {
		out[s.ID] = s
	}
	return out
}

func quoteMap(prices map[string]float64) map[string]venue.Quote {
	out := make(map[string]venue.Quote, len(prices))
	for id, p := range prices {
		out[id] = venue.Quote{Symbol: id, Last: p}
	}
	return out
}

func targetSet(ws map[string]float64) weights.Set {
	set := weights.Set{Weights: ws, SleeveTag: make(map[string]string)}
	for id := range ws {
		set.SleeveTag[id] = "core"
	}
	return set
}

// 轮询间隔压到毫秒级，测试不用等真实的 2 秒。
func fastCfg() Config {
	return Config{
		MinNotional:  200,
		SlippageBps:  25,
		FillWait:     200 * time.Millisecond,
		PollInterval: time.Millisecond,
	}
}

func TestRunBuildsAndFillsOrders(t *testing.T) {
	pv := paper.New(100000)
	r := New(pv, fastCfg())
	book := portfolio.NewBook("USD")
	book.ReplaceAll(nil, 100000)

	specs := specMap(testSpec("A", 1, 0.01, 1), testSpec("B", 1, 0.01, 1))
	quotes := quoteMap(map[string]float64{"A": 100, "B": 200})
	targets := targetSet(map[string]float64{"A": 0.6, "B": 0.4})

	summary, err := r.Run(context.Background(), book, targets, specs, quotes, 100000)
	require.NoError(t, err)
	require.False(t, summary.Partial)
	require.Len(t, summary.Submitted, 2)
	require.Equal(t, 2, summary.FilledCount())
	require.Empty(t, summary.Skipped)

	// 0.6×100000/100 = 600，0.4×100000/200 = 200。
	require.InDelta(t, 600, book.Quantity("A"), 1e-9)
	require.InDelta(t, 200, book.Quantity("B"), 1e-9)
}

// 调仓幂等：输入不变时第二遍必须零订单。
func TestRunIdempotent(t *testing.T) {
	pv := paper.New(100000)
	r := New(pv, fastCfg())
	book := portfolio.NewBook("USD")
	book.ReplaceAll(nil, 100000)

	specs := specMap(testSpec("A", 1, 0.01, 1))
	quotes := quoteMap(map[string]float64{"A": 100})
	targets := targetSet(map[string]float64{"A": 0.5})

	_, err := r.Run(context.Background(), book, targets, specs, quotes, 100000)
	require.NoError(t, err)
	firstCount := len(pv.Submitted())
	require.Equal(t, 1, firstCount)

	summary, err := r.Run(context.Background(), book, targets, specs, quotes, 100000)
	require.NoError(t, err)
	require.Empty(t, summary.Submitted)
	require.Empty(t, summary.Skipped)
	require.Len(t, pv.Submitted(), firstCount)
}

func TestRunZeroDeltaNoOrders(t *testing.T) {
	pv := paper.New(0)
	r := New(pv, fastCfg())
	book := portfolio.NewBook("USD")
	book.ReplaceAll([]portfolio.Position{{InstrumentID: "A", Quantity: 100, AvgCost: 100, Currency: "USD"}}, 90000)

	specs := specMap(testSpec("A", 1, 0.01, 1))
	quotes := quoteMap(map[string]float64{"A": 100})
	// 0.1×100000/100 = 100 = 当前持仓。
	targets := targetSet(map[string]float64{"A": 0.1})

	summary, err := r.Run(context.Background(), book, targets, specs, quotes, 100000)
	require.NoError(t, err)
	require.Empty(t, summary.Submitted)
	require.Empty(t, summary.Skipped)
	require.Empty(t, pv.Submitted())
}

func TestRunSellsSubmitBeforeBuys(t *testing.T) {
	pv := paper.New(100000)
	r := New(pv, fastCfg())
	book := portfolio.NewBook("USD")
	book.ReplaceAll([]portfolio.Position{{InstrumentID: "A", Quantity: 500, AvgCost: 95, Currency: "USD"}}, 50000)

	specs := specMap(testSpec("A", 1, 0.01, 1), testSpec("B", 1, 0.01, 1))
	quotes := quoteMap(map[string]float64{"A": 100, "B": 200})
	// A 从 500 减到 300（卖），B 从 0 到 200（买）。
	targets := targetSet(map[string]float64{"A": 0.3, "B": 0.4})

	summary, err := r.Run(context.Background(), book, targets, specs, quotes, 100000)
	require.NoError(t, err)
	require.Len(t, summary.Submitted, 2)

	orders := pv.Submitted()
	require.Len(t, orders, 2)
	sawBuy := false
	for _, o := range orders {
		if o.Side == venue.SideBuy {
			sawBuy = true
		}
		if o.Side == venue.SideSell {
			require.False(t, sawBuy, "卖单必须全部先于买单提交")
		}
	}
	require.InDelta(t, 300, book.Quantity("A"), 1e-9)
	require.InDelta(t, 200, book.Quantity("B"), 1e-9)
}

func TestRunMinNotionalSuppressed(t *testing.T) {
	pv := paper.New(0)
	r := New(pv, fastCfg())
	book := portfolio.NewBook("USD")
	book.ReplaceAll([]portfolio.Position{{InstrumentID: "A", Quantity: 100, AvgCost: 100, Currency: "USD"}}, 90000)

	specs := specMap(testSpec("A", 1, 0.01, 1))
	quotes := quoteMap(map[string]float64{"A": 100})
	// 目标 101 股，差额 1 股名义 $100，低于 $200 门槛。
	targets := targetSet(map[string]float64{"A": 0.101})

	summary, err := r.Run(context.Background(), book, targets, specs, quotes, 100000)
	require.NoError(t, err)
	require.Empty(t, summary.Submitted)
	require.Len(t, summary.Skipped, 1)
	require.Equal(t, "min_notional", summary.Skipped[0].Reason)
	require.Empty(t, pv.Submitted())
}

func TestRunSellTimeoutSkipsBuyPhase(t *testing.T) {
	pv := paper.New(100000)
	pv.FillAfterPolls(100000) // 永远到不了终态
	cfg := fastCfg()
	cfg.FillWait = 15 * time.Millisecond
	r := New(pv, cfg)

	book := portfolio.NewBook("USD")
	book.ReplaceAll([]portfolio.Position{{InstrumentID: "A", Quantity: 200, AvgCost: 100, Currency: "USD"}}, 80000)

	specs := specMap(testSpec("A", 1, 0.01, 1), testSpec("B", 1, 0.01, 1))
	quotes := quoteMap(map[string]float64{"A": 100, "B": 200})
	targets := targetSet(map[string]float64{"B": 0.4}) // A 清仓，B 建仓

	summary, err := r.Run(context.Background(), book, targets, specs, quotes, 100000)
	require.NoError(t, err)
	require.True(t, summary.Partial)

	// 只有卖单发出去，买单整体跳过。
	orders := pv.Submitted()
	require.Len(t, orders, 1)
	require.Equal(t, venue.SideSell, orders[0].Side)

	require.Len(t, summary.Submitted, 1)
	require.True(t, summary.Submitted[0].TimedOut)

	found := false
	for _, sk := range summary.Skipped {
		if sk.InstrumentID == "B" && sk.Reason == "sell_phase_incomplete" {
			found = true
		}
	}
	require.True(t, found)
	// 没确认成交就不动簿记。
	require.InDelta(t, 200, book.Quantity("A"), 1e-9)
}

func TestRunTransportErrorAbortsAsPartial(t *testing.T) {
	fv := &flakyVenue{Paper: paper.New(100000), failOn: 1}
	r := New(fv, fastCfg())

	book := portfolio.NewBook("USD")
	book.ReplaceAll([]portfolio.Position{{InstrumentID: "A", Quantity: 200, AvgCost: 100, Currency: "USD"}}, 80000)

	specs := specMap(testSpec("A", 1, 0.01, 1), testSpec("B", 1, 0.01, 1))
	quotes := quoteMap(map[string]float64{"A": 100, "B": 200})
	targets := targetSet(map[string]float64{"B": 0.4}) // A 清仓在前，B 建仓在后

	summary, err := r.Run(context.Background(), book, targets, specs, quotes, 100000)
	require.Error(t, err)
	require.Contains(t, err.Error(), "连接被重置")
	require.True(t, summary.Partial)
	require.Empty(t, summary.Submitted)
	// 传输失败不动簿记，下次运行靠持仓同步收敛。
	require.InDelta(t, 200, book.Quantity("A"), 1e-9)
}

func TestRunSellFillAfterPolling(t *testing.T) {
	pv := paper.New(100000)
	pv.FillAfterPolls(3)
	r := New(pv, fastCfg())

	book := portfolio.NewBook("USD")
	book.ReplaceAll([]portfolio.Position{{InstrumentID: "A", Quantity: 100, AvgCost: 100, Currency: "USD"}}, 90000)

	specs := specMap(testSpec("A", 1, 0.01, 1))
	quotes := quoteMap(map[string]float64{"A": 100})
	targets := targetSet(map[string]float64{}) // 清仓

	summary, err := r.Run(context.Background(), book, targets, specs, quotes, 100000)
	require.NoError(t, err)
	require.False(t, summary.Partial)
	require.Equal(t, 1, summary.FilledCount())
	require.Zero(t, book.Quantity("A"))
}

func TestRunPriceRejectRepricedOnce(t *testing.T) {
	pv := paper.New(100000)
	pv.SeedQuote("A", 101, 100.98, 101.02) // 改价时重取的新行情
	pv.RejectNext("A", "order price too far from market")
	r := New(pv, fastCfg())

	book := portfolio.NewBook("USD")
	book.ReplaceAll(nil, 100000)

	specs := specMap(testSpec("A", 1, 0.01, 1))
	quotes := quoteMap(map[string]float64{"A": 100})
	targets := targetSet(map[string]float64{"A": 0.5})

	summary, err := r.Run(context.Background(), book, targets, specs, quotes, 100000)
	require.NoError(t, err)

	orders := pv.Submitted()
	require.Len(t, orders, 2, "价格拒单后应有一次改价重报")
	require.NotEqual(t, orders[0].ClientOrderID, orders[1].ClientOrderID, "重报必须换新 ClientOrderID")
	require.Greater(t, orders[1].LimitPrice, orders[0].LimitPrice, "新限价按新行情上移")

	require.Len(t, summary.Submitted, 1)
	require.True(t, summary.Submitted[0].Replaced)
	require.Equal(t, venue.StateFilled, summary.Submitted[0].Status.State)
	require.InDelta(t, 500, book.Quantity("A"), 1e-9)
}

func TestRunSecondPriceRejectSkips(t *testing.T) {
	pv := paper.New(100000)
	pv.SeedQuote("A", 101, 0, 0)
	pv.RejectNext("A", "price outside band")
	pv.RejectNext("A", "price outside band")
	r := New(pv, fastCfg())

	book := portfolio.NewBook("USD")
	book.ReplaceAll(nil, 100000)

	summary, err := r.Run(context.Background(), book,
		targetSet(map[string]float64{"A": 0.5}),
		specMap(testSpec("A", 1, 0.01, 1)),
		quoteMap(map[string]float64{"A": 100}), 100000)
	require.NoError(t, err)

	require.Len(t, pv.Submitted(), 2)
	require.Empty(t, summary.Submitted)
	require.Len(t, summary.Skipped, 1)
	require.Contains(t, summary.Skipped[0].Reason, "rejected")
	require.Zero(t, book.Quantity("A"))
}

func TestRunOtherRejectSkipsImmediately(t *testing.T) {
	pv := paper.New(100000)
	pv.RejectNext("A", "insufficient margin")
	r := New(pv, fastCfg())

	book := portfolio.NewBook("USD")
	book.ReplaceAll(nil, 100000)

	summary, err := r.Run(context.Background(), book,
		targetSet(map[string]float64{"A": 0.5}),
		specMap(testSpec("A", 1, 0.01, 1)),
		quoteMap(map[string]float64{"A": 100}), 100000)
	require.NoError(t, err)

	// 非价格拒单不改价重试。
	require.Len(t, pv.Submitted(), 1)
	require.Len(t, summary.Skipped, 1)
	require.Contains(t, summary.Skipped[0].Reason, "insufficient margin")
}

func TestRunMissingQuoteSkipsOnlyThatInstrument(t *testing.T) {
	pv := paper.New(100000)
	r := New(pv, fastCfg())
	book := portfolio.NewBook("USD")
	book.ReplaceAll(nil, 100000)

	specs := specMap(testSpec("A", 1, 0.01, 1), testSpec("B", 1, 0.01, 1))
	quotes := quoteMap(map[string]float64{"A": 100}) // B 没报价
	targets := targetSet(map[string]float64{"A": 0.5, "B": 0.4})

	summary, err := r.Run(context.Background(), book, targets, specs, quotes, 100000)
	require.NoError(t, err)
	require.Len(t, summary.Submitted, 1)
	require.Equal(t, "A", summary.Submitted[0].Order.InstrumentID)
	require.Len(t, summary.Skipped, 1)
	require.Equal(t, "no_quote", summary.Skipped[0].Reason)
}

func TestRunNonTradeablePositionUntouched(t *testing.T) {
	pv := paper.New(0)
	r := New(pv, fastCfg())
	book := portfolio.NewBook("USD")
	book.ReplaceAll([]portfolio.Position{{InstrumentID: "H", Quantity: 50, AvgCost: 10, Currency: "USD"}}, 10000)

	spec := testSpec("H", 1, 0.01, 1)
	spec.Tradeable = false

	summary, err := r.Run(context.Background(), book,
		targetSet(map[string]float64{}), specMap(spec),
		quoteMap(map[string]float64{"H": 10}), 10500)
	require.NoError(t, err)
	require.Empty(t, summary.Submitted)
	require.Len(t, summary.Skipped, 1)
	require.Equal(t, "non_tradeable", summary.Skipped[0].Reason)
	require.InDelta(t, 50, book.Quantity("H"), 1e-9)
}

func TestRunFuturesMultiplierSizing(t *testing.T) {
	pv := paper.New(1000000)
	r := New(pv, fastCfg())
	book := portfolio.NewBook("USD")
	book.ReplaceAll(nil, 1000000)

	fut := instrument.Spec{
		ID: "ESZ6", Symbol: "ESZ6", Currency: "USD", Kind: instrument.KindFuture,
		Multiplier: 50, TickSize: 0.25, LotSize: 1, Tradeable: true,
	}
	quotes := quoteMap(map[string]float64{"ESZ6": 4000})
	// 0.5×1000000 / (4000×50) = 2.5 → 按手取整 2。
	targets := targetSet(map[string]float64{"ESZ6": 0.5})

	summary, err := r.Run(context.Background(), book, targets, specMap(fut), quotes, 1000000)
	require.NoError(t, err)
	require.Len(t, summary.Submitted, 1)
	require.InDelta(t, 2, summary.Submitted[0].Order.Quantity, 1e-9)
	require.InDelta(t, 2, book.Quantity("ESZ6"), 1e-9)
}

func TestLimitPriceAdverseSideTickRounding(t *testing.T) {
	spec := testSpec("A", 1, 0.25, 1)

	// 买单：100.10×1.0025 = 100.35025 → 向上贴 0.25 tick → 100.50。
	buy := limitPrice(spec, 100.10, venue.SideBuy, 25)
	require.InDelta(t, 100.50, buy, 1e-9)

	// 卖单：100.10×0.9975 = 99.84975 → 向下贴 tick → 99.75。
	sell := limitPrice(spec, 100.10, venue.SideSell, 25)
	require.InDelta(t, 99.75, sell, 1e-9)
}
