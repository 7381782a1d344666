package marketdata

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

const tradingDaysPerYear = 252

// AnnualizedVolPct 用基准收盘算年化实现波动率，单位是百分点。
// 状态机的阈值（如 25 / 40）就按这个口径配置。
func AnnualizedVolPct(closes []float64, window int) (float64, bool) {
	if window <= 1 || len(closes) < window+1 {
		return 0, false
	}
	// Roc 输出的是日涨跌幅（百分比），前导位为零值。
	rets := talib.Roc(closes, 1)
	if len(rets) <= window {
		return 0, false
	}
	devs := talib.StdDev(rets[1:], window, 1.0)
	if len(devs) == 0 {
		return 0, false
	}
	daily := devs[len(devs)-1]
	if math.IsNaN(daily) || daily < 0 {
		return 0, false
	}
	return daily * math.Sqrt(tradingDaysPerYear), true
}

// MomentumAboveSMA 判断最新收盘是否站在 period 日均线上方。
func MomentumAboveSMA(closes []float64, period int) (bool, bool) {
	if period <= 0 || len(closes) < period {
		return false, false
	}
	smaSeries := talib.Sma(closes, period)
	if len(smaSeries) == 0 {
		return false, false
	}
	sma := smaSeries[len(smaSeries)-1]
	if math.IsNaN(sma) || sma <= 0 {
		return false, false
	}
	return closes[len(closes)-1] >= sma, true
}
