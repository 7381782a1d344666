// Package marketdata supplies benchmark daily closes. The regime classifier
// derives its vol proxy and momentum from this one series, so a single
// benchmark symbol is all a deployment configures.
package marketdata

import (
	"context"
	"time"
)

// DailyClose 是基准序列的单日收盘。
type DailyClose struct {
	Date  time.Time
	Price float64
}

// Source 抓取基准日线收盘。
type Source interface {
	Name() string
	FetchDailyCloses(ctx context.Context, symbol string, limit int) ([]DailyClose, error)
}

// Prices 抽出价格数组，交给指标函数。
func Prices(closes []DailyClose) []float64 {
	out := make([]float64, len(closes))
	for i, c := range closes {
		out[i] = c.Price
	}
	return out
}
