package app

import (
	"fmt"
	"strings"

	"ballast/internal/config"
)

type StartupSummary struct {
	Env         string
	Venue       string
	DryRun      bool
	Benchmark   string
	Sleeves     []config.Sleeve
	Instruments []string
	TargetVol   float64
	MaxGross    float64
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[运行环境 (RUNTIME)]")
	fmt.Printf("  环境: %s\n", s.Env)
	fmt.Printf("  执行场所: %s (dry_run=%v)\n", s.Venue, s.DryRun)
	fmt.Printf("  基准行情: %s\n", s.Benchmark)
	fmt.Println()

	fmt.Println("[风险预算 (RISK BUDGET)]")
	fmt.Printf("  目标年化波动: %.2f%%\n", s.TargetVol*100)
	fmt.Printf("  总杠杆上限: %.2fx\n", s.MaxGross)
	fmt.Println()

	fmt.Println("[资产袖配置 (SLEEVES)]")
	if len(s.Sleeves) == 0 {
		fmt.Println("  (无配置)")
	} else {
		for _, sl := range s.Sleeves {
			fmt.Printf("  > %s (权重 %.2f)\n", sl.Name, sl.Weight)
			for _, leg := range sl.Legs {
				fmt.Printf("      - %s ratio=%+.2f\n", leg.Instrument, leg.Ratio)
			}
		}
	}
	fmt.Println()

	fmt.Println("[品种注册表 (INSTRUMENTS)]")
	fmt.Printf("  可交易品种: %s\n", formatList(s.Instruments))
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
