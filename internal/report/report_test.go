package report

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ballast/internal/store"
)

func samplePoints(n int) []store.NavPoint {
	base := time.Date(2024, 3, 1, 21, 30, 0, 0, time.UTC)
	points := make([]store.NavPoint, 0, n)
	nav := 1_000_000.0
	for i := 0; i < n; i++ {
		ret := 0.004
		if i%3 == 2 {
			ret = -0.006
		}
		nav *= 1 + ret
		points = append(points, store.NavPoint{
			Date:        base.AddDate(0, 0, i),
			NAV:         nav,
			DailyReturn: ret,
			Scalar:      0.85,
			Regime:      "NORMAL",
			Drawdown:    0.01,
		})
	}
	return points
}

func TestRenderContainsCharts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, samplePoints(12)))
	html := buf.String()
	require.Contains(t, html, "资金曲线")
	require.Contains(t, html, "风险 scalar")
	require.Contains(t, html, "回撤")
	require.Contains(t, html, "日收益")
	require.Contains(t, html, "2024-03-01")
	require.Contains(t, html, "echarts")
}

func TestRenderEmptySeries(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, Render(&buf, nil))
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteFile(dir, samplePoints(5))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(path, "report.html"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "资金曲线")
}

func TestBuildDatesFallback(t *testing.T) {
	dates := buildDates([]store.NavPoint{{}, {Date: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)}})
	require.Equal(t, "#1", dates[0])
	require.Equal(t, "2024-03-02", dates[1])
}
