package notifier

import (
	"fmt"
	"strings"
	"time"
)

const maxMessageLen = 3800

// FillLine 是摘要里展示的一笔成交。
type FillLine struct {
	Instrument string
	Side       string
	Quantity   float64
	Price      float64
}

// RunMessage 是一次调仓运行的推送内容。
type RunMessage struct {
	Date        time.Time
	DryRun      bool
	Partial     bool
	Err         string
	NAV         float64
	DailyReturn float64
	Drawdown    float64
	Scalar      float64
	Regime      string
	RealizedVol float64
	Gross       float64
	Submitted   int
	Filled      int
	Skipped     int
	Fills       []FillLine
	Omissions   []string
}

// RenderMarkdown 生成 Markdown 文本，超长自动裁剪。
func (m RunMessage) RenderMarkdown() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n\n```\n")
	b.WriteString(m.body())
	b.WriteString("```\n")

	if m.Err != "" {
		b.WriteString("错误：" + sanitize(m.Err) + "\n")
	}
	if !m.Date.IsZero() {
		b.WriteString("时间：" + m.Date.Format("2006-01-02 15:04:05 MST"))
	}
	return clip(strings.TrimSpace(b.String()))
}

// RenderText 生成纯文本摘要，未配置推送渠道时落日志用。
func (m RunMessage) RenderText() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.body())
	if m.Err != "" {
		b.WriteString("错误：" + m.Err + "\n")
	}
	if !m.Date.IsZero() {
		b.WriteString("时间：" + m.Date.Format("2006-01-02 15:04:05 MST"))
	}
	return clip(strings.TrimSpace(b.String()))
}

func (m RunMessage) body() string {
	var b strings.Builder
	b.WriteString("组合\n")
	b.WriteString(fmt.Sprintf("- NAV: %.2f\n", m.NAV))
	b.WriteString(fmt.Sprintf("- 日收益: %+.2f%%\n", m.DailyReturn*100))
	b.WriteString(fmt.Sprintf("- 回撤: %.2f%%\n", m.Drawdown*100))

	b.WriteString("\n风险\n")
	b.WriteString(fmt.Sprintf("- scalar: %.3f (gross %.3f)\n", m.Scalar, m.Gross))
	b.WriteString(fmt.Sprintf("- regime: %s\n", m.Regime))
	b.WriteString(fmt.Sprintf("- 组合年化波动: %.1f%%\n", m.RealizedVol*100))

	b.WriteString("\n订单\n")
	b.WriteString(fmt.Sprintf("- 提交 %d / 成交 %d / 跳过 %d\n", m.Submitted, m.Filled, m.Skipped))
	for _, f := range m.Fills {
		b.WriteString(fmt.Sprintf("- %s %s %v @ %.4f\n", f.Instrument, f.Side, f.Quantity, f.Price))
	}

	if lines := sanitizeLines(m.Omissions); len(lines) > 0 {
		b.WriteString("\n缺漏\n")
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(sanitize(line))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func clip(body string) string {
	if len(body) > maxMessageLen {
		return body[:maxMessageLen] + "..."
	}
	return body
}

func (m RunMessage) header() string {
	icon := "✅"
	title := "Ballast 调仓完成"
	switch {
	case m.Err != "":
		icon = "❌"
		title = "Ballast 调仓失败"
	case m.Partial:
		icon = "⚠️"
		title = "Ballast 调仓部分完成"
	}
	if m.DryRun {
		title += "（演练）"
	}
	return icon + " " + title
}

func sanitizeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
