// Package risk computes the per-run leverage scalar: realized portfolio vol
// against a target, a market regime state machine, and the day-over-day
// clamp plus glidepath that keep the scalar from jumping.
package risk

import (
	"context"
	"math"

	"ballast/internal/config"
	"ballast/internal/logger"
	"ballast/internal/marketdata"
	"ballast/internal/portfolio"
)

const (
	tradingDaysPerYear = 252
	// 基准波动率代理和动量均线共用 20 日窗口。
	proxyVolWindow    = 20
	momentumSMAPeriod = 20
)

// ReturnWindow 是估计器需要的最小收益序列视图，oldest first。
type ReturnWindow interface {
	Returns(ctx context.Context, n int) ([]float64, error)
}

// Snapshot 是一次运行的风险观测汇总，喂给 scaler 并进运行摘要。
type Snapshot struct {
	RealizedVol float64 // 年化，burn-in 或缺数据时为先验
	Estimated   bool    // true 表示确实由窗口算出，而非先验替代
	DataGap     bool    // 过了 burn-in 仍缺收益数据，scaler 要打折
	ProxyVolPct float64 // 基准年化波动率（百分点），VIX 式读数
	ProxyOK     bool
	MomentumUp  bool
	MomentumOK  bool
	Drawdown    float64
	Regime      Regime
	CalmStreak  int
	InRecovery  bool
	BurnInDays  int
}

// Estimator 聚合收益窗口与基准行情，产出 Snapshot。
type Estimator struct {
	cfg     config.RiskConfig
	market  config.MarketConfig
	returns ReturnWindow
	source  marketdata.Source
}

func NewEstimator(cfg config.RiskConfig, market config.MarketConfig, rw ReturnWindow, src marketdata.Source) *Estimator {
	return &Estimator{cfg: cfg, market: market, returns: rw, source: src}
}

// Estimate 完成一次波动率估计加 regime 判定。任何数据源失败都就地
// 降级并记录原因，绝不让缺数据变成满仓。
func (e *Estimator) Estimate(ctx context.Context, prev portfolio.RiskState, drawdown float64) Snapshot {
	snap := Snapshot{Drawdown: drawdown}
	snap.BurnInDays = prev.BurnInDays + 1
	if snap.BurnInDays > e.cfg.BurnInDays {
		snap.BurnInDays = e.cfg.BurnInDays
	}

	rets, err := e.returns.Returns(ctx, e.cfg.VolWindowDays)
	switch {
	case err != nil:
		logger.Warnf("risk: 读取收益序列失败，退回先验波动率 %.2f%%: %v", e.cfg.PriorVol*100, err)
		snap.RealizedVol = e.cfg.PriorVol
		snap.DataGap = true
	case len(rets) < e.cfg.VolWindowDays:
		if snap.BurnInDays < e.cfg.BurnInDays {
			logger.Infof("risk: burn-in 第 %d/%d 天，收益观测 %d 条，使用先验波动率 %.2f%%",
				snap.BurnInDays, e.cfg.BurnInDays, len(rets), e.cfg.PriorVol*100)
			snap.RealizedVol = e.cfg.PriorVol
		} else {
			logger.Warnf("risk: 过了 burn-in 仍只有 %d 条收益观测，按数据缺口处理", len(rets))
			snap.RealizedVol = e.cfg.PriorVol
			snap.DataGap = true
		}
	default:
		vol, ok := annualizedVol(rets)
		if !ok {
			logger.Warnf("risk: 收益窗口退化 (%d 条)，退回先验波动率", len(rets))
			snap.RealizedVol = e.cfg.PriorVol
			snap.DataGap = true
		} else {
			snap.RealizedVol = vol
			snap.Estimated = true
		}
	}

	closes, err := e.source.FetchDailyCloses(ctx, e.market.BenchmarkSymbol, e.market.LookbackDays)
	if err != nil {
		logger.Warnf("risk: 基准 %s 行情不可用，regime 退化为 ELEVATED: %v", e.market.BenchmarkSymbol, err)
	} else {
		prices := marketdata.Prices(closes)
		if v, ok := marketdata.AnnualizedVolPct(prices, proxyVolWindow); ok {
			snap.ProxyVolPct = v
			snap.ProxyOK = true
		} else {
			logger.Warnf("risk: 基准收盘不足以计算波动率代理，仅 %d 根", len(prices))
		}
		if up, ok := marketdata.MomentumAboveSMA(prices, momentumSMAPeriod); ok {
			snap.MomentumUp = up
			snap.MomentumOK = true
		}
	}

	dec := Classify(e.cfg, ClassifyInputs{
		ProxyVolPct:    snap.ProxyVolPct,
		ProxyOK:        snap.ProxyOK,
		MomentumUp:     snap.MomentumUp,
		MomentumOK:     snap.MomentumOK,
		Drawdown:       drawdown,
		PrevInRecovery: prev.InRecovery,
		PrevCalmStreak: prev.CalmStreak,
	})
	snap.Regime = dec.Regime
	snap.CalmStreak = dec.CalmStreak
	snap.InRecovery = dec.InRecovery

	logger.Infof("risk: regime=%s vol=%.2f%% (estimated=%v) proxy=%.1f momentum_up=%v drawdown=%.2f%%",
		snap.Regime, snap.RealizedVol*100, snap.Estimated, snap.ProxyVolPct, snap.MomentumUp, drawdown*100)
	return snap
}

// annualizedVol 用样本标准差（n-1）年化最近的日收益。
func annualizedVol(rets []float64) (float64, bool) {
	n := len(rets)
	if n < 2 {
		return 0, false
	}
	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(n)
	var ss float64
	for _, r := range rets {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss/float64(n-1)) * math.Sqrt(tradingDaysPerYear), true
}
