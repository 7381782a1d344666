package risk

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ballast/internal/config"
	"ballast/internal/marketdata"
	"ballast/internal/portfolio"
)

type fakeReturns struct {
	rets []float64
	err  error
}

func (f fakeReturns) Returns(_ context.Context, n int) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.rets) <= n {
		return f.rets, nil
	}
	return f.rets[len(f.rets)-n:], nil
}

type fakeSource struct {
	closes []marketdata.DailyClose
	err    error
}

func (f fakeSource) Name() string { return "fake" }

func (f fakeSource) FetchDailyCloses(context.Context, string, int) ([]marketdata.DailyClose, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.closes, nil
}

// 平缓上行的基准序列：代理波动率接近零，动量站上均线。
func calmCloses(n int) []marketdata.DailyClose {
	out := make([]marketdata.DailyClose, n)
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = marketdata.DailyClose{Date: day.AddDate(0, 0, i), Price: 100 + float64(i)*0.1}
	}
	return out
}

// 日涨跌交替 ±pct 的基准序列，用来顶高波动率代理。
func choppyCloses(n int, pct float64) []marketdata.DailyClose {
	out := make([]marketdata.DailyClose, n)
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range out {
		if i > 0 {
			if i%2 == 1 {
				price *= 1 + pct
			} else {
				price *= 1 - pct
			}
		}
		out[i] = marketdata.DailyClose{Date: day.AddDate(0, 0, i), Price: price}
	}
	return out
}

func alternatingReturns(n int) []float64 {
	rets := make([]float64, n)
	for i := range rets {
		if i%2 == 0 {
			rets[i] = 0.01
		} else {
			rets[i] = -0.01
		}
	}
	return rets
}

func TestEstimateBurnInUsesPrior(t *testing.T) {
	cfg := testRiskCfg()
	est := NewEstimator(cfg, config.MarketConfig{BenchmarkSymbol: "BTCUSDT", LookbackDays: 120},
		fakeReturns{rets: alternatingReturns(5)}, fakeSource{closes: calmCloses(60)})

	snap := est.Estimate(context.Background(), portfolio.RiskState{BurnInDays: 3}, 0)
	require.False(t, snap.Estimated)
	require.False(t, snap.DataGap)
	require.InDelta(t, cfg.PriorVol, snap.RealizedVol, 1e-12)
	require.Equal(t, 4, snap.BurnInDays)
	require.Equal(t, RegimeNormal, snap.Regime)
}

func TestEstimateFullWindowSampleStdev(t *testing.T) {
	cfg := testRiskCfg()
	est := NewEstimator(cfg, config.MarketConfig{BenchmarkSymbol: "BTCUSDT", LookbackDays: 120},
		fakeReturns{rets: alternatingReturns(20)}, fakeSource{closes: calmCloses(60)})

	snap := est.Estimate(context.Background(), portfolio.RiskState{BurnInDays: 60}, 0)
	require.True(t, snap.Estimated)
	require.False(t, snap.DataGap)
	// ±1% 交替 20 条，样本标准差 = 0.01 × sqrt(20/19)。
	want := 0.01 * math.Sqrt(20.0/19.0) * math.Sqrt(252)
	require.InDelta(t, want, snap.RealizedVol, 1e-9)
	require.Equal(t, cfg.BurnInDays, snap.BurnInDays)
}

func TestEstimateStoreErrorPastBurnIn(t *testing.T) {
	cfg := testRiskCfg()
	est := NewEstimator(cfg, config.MarketConfig{BenchmarkSymbol: "BTCUSDT", LookbackDays: 120},
		fakeReturns{err: fmt.Errorf("db locked")}, fakeSource{closes: calmCloses(60)})

	snap := est.Estimate(context.Background(), portfolio.RiskState{BurnInDays: 60}, 0)
	require.True(t, snap.DataGap)
	require.False(t, snap.Estimated)
	require.InDelta(t, cfg.PriorVol, snap.RealizedVol, 1e-12)
	// 收益缺口不改变 regime 判定，折减由 scaler 负责。
	require.Equal(t, RegimeNormal, snap.Regime)
}

func TestEstimateShortWindowPastBurnInIsDataGap(t *testing.T) {
	cfg := testRiskCfg()
	est := NewEstimator(cfg, config.MarketConfig{BenchmarkSymbol: "BTCUSDT", LookbackDays: 120},
		fakeReturns{rets: alternatingReturns(7)}, fakeSource{closes: calmCloses(60)})

	snap := est.Estimate(context.Background(), portfolio.RiskState{BurnInDays: 60}, 0)
	require.True(t, snap.DataGap)
	require.InDelta(t, cfg.PriorVol, snap.RealizedVol, 1e-12)
}

func TestEstimateMarketFailureDegradesToElevated(t *testing.T) {
	cfg := testRiskCfg()
	est := NewEstimator(cfg, config.MarketConfig{BenchmarkSymbol: "BTCUSDT", LookbackDays: 120},
		fakeReturns{rets: alternatingReturns(20)}, fakeSource{err: fmt.Errorf("kline endpoint 503")})

	snap := est.Estimate(context.Background(), portfolio.RiskState{BurnInDays: 60}, 0)
	require.False(t, snap.ProxyOK)
	require.Equal(t, RegimeElevated, snap.Regime)
	require.True(t, snap.Estimated)
}

func TestEstimateDrawdownForcesCrisis(t *testing.T) {
	cfg := testRiskCfg()
	est := NewEstimator(cfg, config.MarketConfig{BenchmarkSymbol: "BTCUSDT", LookbackDays: 120},
		fakeReturns{rets: alternatingReturns(20)}, fakeSource{closes: calmCloses(60)})

	snap := est.Estimate(context.Background(), portfolio.RiskState{BurnInDays: 60}, 0.11)
	require.Equal(t, RegimeCrisis, snap.Regime)
	require.True(t, snap.InRecovery)
}

func TestEstimateChoppyBenchmarkElevated(t *testing.T) {
	cfg := testRiskCfg()
	// ±2% 日波动的基准：年化代理约 31.7，越过 25 的 ELEVATED 阈值。
	est := NewEstimator(cfg, config.MarketConfig{BenchmarkSymbol: "BTCUSDT", LookbackDays: 120},
		fakeReturns{rets: alternatingReturns(20)}, fakeSource{closes: choppyCloses(60, 0.02)})

	snap := est.Estimate(context.Background(), portfolio.RiskState{BurnInDays: 60}, 0)
	require.True(t, snap.ProxyOK)
	require.GreaterOrEqual(t, snap.ProxyVolPct, cfg.ElevatedVolLevel)
	require.Less(t, snap.ProxyVolPct, cfg.CrisisVolLevel)
	require.Equal(t, RegimeElevated, snap.Regime)
}
