// Package report renders the run history as a self-contained HTML page:
// NAV curve, risk scalar, drawdown and daily returns. The page is written
// to disk after each run and served read-only by the ops HTTP server.
package report

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"ballast/internal/store"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorGain          = "#34d399"
	colorLoss          = "#f87171"
	colorNAV           = "#3b82f6"
	colorScalar        = "#fbbf24"
	colorDrawdown      = "#f472b6"

	chartWidthPx  = 1400
	chartHeightPx = 420
)

// BuildPage 把运行序列组装成一页四张图。
func BuildPage(points []store.NavPoint) (*components.Page, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("report: 没有可渲染的运行记录")
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.PageTitle = "ballast 调仓报告"

	dates := buildDates(points)
	page.AddCharts(
		buildNAVChart(dates, points),
		buildScalarChart(dates, points),
		buildDrawdownChart(dates, points),
		buildReturnChart(dates, points),
	)
	return page, nil
}

// Render 渲染到 writer，HTTP 端点直接用。
func Render(w io.Writer, points []store.NavPoint) error {
	page, err := BuildPage(points)
	if err != nil {
		return err
	}
	return page.Render(w)
}

// WriteFile 落盘到 dir/report.html，目录不存在时创建。
func WriteFile(dir string, points []store.NavPoint) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "report.html")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := Render(f, points); err != nil {
		return "", err
	}
	return path, nil
}

func baseInit() opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", chartHeightPx),
		BackgroundColor: colorBackground,
	}
}

func titleOpts(title, subtitle string) charts.GlobalOpts {
	return charts.WithTitleOpts(opts.Title{
		Title:         title,
		Subtitle:      subtitle,
		Left:          "left",
		Top:           "10",
		TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 16},
		SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
	})
}

func axisOpts() []charts.GlobalOpts {
	return []charts.GlobalOpts{
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	}
}

func buildNAVChart(dates []string, points []store.NavPoint) *charts.Line {
	last := points[len(points)-1]
	line := charts.NewLine()
	line.SetGlobalOptions(append(axisOpts(),
		charts.WithInitializationOpts(baseInit()),
		titleOpts("资金曲线", fmt.Sprintf("NAV %.2f | regime %s | scalar %.3f", last.NAV, last.Regime, last.Scalar)),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
	)...)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	data := make([]opts.LineData, len(points))
	for i, p := range points {
		data[i] = opts.LineData{Value: round(p.NAV, 2)}
	}
	line.SetXAxis(dates)
	line.AddSeries("NAV", data, charts.WithLineStyleOpts(opts.LineStyle{Color: colorNAV, Width: 2}))
	return line
}

func buildScalarChart(dates []string, points []store.NavPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(append(axisOpts(),
		charts.WithInitializationOpts(baseInit()),
		titleOpts("风险 scalar", "raw 目标经 regime 折减、glidepath 与日间钳制后的落地值"),
	)...)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	data := make([]opts.LineData, len(points))
	for i, p := range points {
		data[i] = opts.LineData{Value: round(p.Scalar, 4)}
	}
	line.SetXAxis(dates)
	line.AddSeries("scalar", data, charts.WithLineStyleOpts(opts.LineStyle{Color: colorScalar, Width: 2}))
	return line
}

func buildDrawdownChart(dates []string, points []store.NavPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(append(axisOpts(),
		charts.WithInitializationOpts(baseInit()),
		titleOpts("回撤", "相对高水位，百分比"),
	)...)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	data := make([]opts.LineData, len(points))
	for i, p := range points {
		data[i] = opts.LineData{Value: round(p.Drawdown*100, 2)}
	}
	line.SetXAxis(dates)
	line.AddSeries("drawdown %", data, charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 2}))
	return line
}

func buildReturnChart(dates []string, points []store.NavPoint) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(append(axisOpts(),
		charts.WithInitializationOpts(baseInit()),
		titleOpts("日收益", "百分比，按涨跌着色"),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
	)...)

	data := make([]opts.BarData, len(points))
	for i, p := range points {
		v := p.DailyReturn * 100
		if math.IsNaN(v) {
			data[i] = opts.BarData{Value: nil}
			continue
		}
		color := colorLoss
		if v >= 0 {
			color = colorGain
		}
		data[i] = opts.BarData{
			Value:     round(v, 3),
			ItemStyle: &opts.ItemStyle{Color: color, Opacity: opts.Float(0.7)},
		}
	}
	bar.SetXAxis(dates)
	bar.AddSeries("return %", data)
	return bar
}

func buildDates(points []store.NavPoint) []string {
	out := make([]string, len(points))
	for i, p := range points {
		if p.Date.IsZero() {
			out[i] = fmt.Sprintf("#%d", i+1)
			continue
		}
		out[i] = p.Date.UTC().Format(time.DateOnly)
	}
	return out
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}
