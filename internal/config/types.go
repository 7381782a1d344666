package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Config 是 ballast 的主配置载体，按日批处理调仓器的全部运行参数。
type Config struct {
	App         AppConfig         `toml:"app"`
	Risk        RiskConfig        `toml:"risk"`
	Portfolio   PortfolioConfig   `toml:"portfolio"`
	Sleeves     []Sleeve          `toml:"sleeves"`
	Instruments InstrumentsConfig `toml:"instruments"`
	Venue       VenueConfig       `toml:"venue"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
	Market      MarketConfig      `toml:"market"`
	Store       StoreConfig       `toml:"store"`
	Notify      NotifyConfig      `toml:"notify"`
	Schedule    ScheduleConfig    `toml:"schedule"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
	HTTPOn   bool   `toml:"http_enabled"`
}

// RiskConfig 控制波动率估计、市场状态机与杠杆缩放。
type RiskConfig struct {
	TargetVolAnnual  float64 `toml:"target_vol_annual"`  // 年化目标波动率，如 0.12
	VolFloor         float64 `toml:"vol_floor"`          // 实现波动率下限，防止除零放大
	VolWindowDays    int     `toml:"vol_window_days"`    // 滚动窗口长度（交易日）
	PriorVol         float64 `toml:"prior_vol"`          // burn-in 期使用的先验波动率
	BurnInDays       int     `toml:"burn_in_days"`       // 组合起始 burn-in 天数
	GlidepathDays    int     `toml:"glidepath_days"`     // 新目标线性过渡天数
	ScalarStepDown   float64 `toml:"scalar_step_down"`   // 单日 scalar 下限倍率
	ScalarStepUp     float64 `toml:"scalar_step_up"`     // 单日 scalar 上限倍率
	MaxDrawdownPct   float64 `toml:"max_drawdown_pct"`   // 触发 CRISIS 的回撤阈值
	ElevatedVolLevel float64 `toml:"elevated_vol_level"` // 波动率代理 ELEVATED 阈值
	CrisisVolLevel   float64 `toml:"crisis_vol_level"`   // 波动率代理 CRISIS 阈值
	RecoveryExitDays int     `toml:"recovery_exit_days"` // 连续平静天数后 RECOVERY 转 NORMAL
	DataGapHaircut   float64 `toml:"data_gap_haircut"`   // 数据缺失时的保守折减
}

type PortfolioConfig struct {
	BaseCurrency     string  `toml:"base_currency"`
	MaxGrossLeverage float64 `toml:"max_gross_leverage"`
	InstrumentCapPct float64 `toml:"instrument_cap_pct"`
	StatePath        string  `toml:"state_path"`
	ReturnsDBPath    string  `toml:"returns_db_path"`
}

// Sleeve 是一个策略分仓：固定权重加若干条腿。
type Sleeve struct {
	Name   string      `toml:"name"`
	Weight float64     `toml:"weight"`
	Legs   []SleeveLeg `toml:"legs"`
}

// SleeveLeg 中 ratio 带符号，负值表示做空腿；腿内按 Σ|ratio| 归一。
type SleeveLeg struct {
	Instrument string  `toml:"instrument"`
	Ratio      float64 `toml:"ratio"`
}

type InstrumentsConfig struct {
	Path string `toml:"path"`
}

// VenueConfig 描述券商网关的访问方式。
type VenueConfig struct {
	Name               string  `toml:"name"`
	APIURL             string  `toml:"api_url"`
	APIToken           string  `toml:"api_token"`
	Username           string  `toml:"username"`
	Password           string  `toml:"password"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	InsecureSkipVerify bool    `toml:"insecure_skip_verify"`
	FillWaitSeconds    int     `toml:"fill_wait_seconds"`
	PollSeconds        int     `toml:"poll_seconds"`
	DryRun             bool    `toml:"dry_run"`
	PaperCash          float64 `toml:"paper_cash"` // dry_run 起始现金
}

type ReconcileConfig struct {
	MinNotionalUSD float64 `toml:"min_notional_usd"`
	SlippageBps    float64 `toml:"slippage_bps"`
}

type MarketConfig struct {
	BenchmarkSymbol string         `toml:"benchmark_symbol"`
	LookbackDays    int            `toml:"lookback_days"`
	ActiveSource    string         `toml:"active_source"`
	Sources         []MarketSource `toml:"sources"`
}

type MarketSource struct {
	Name           string      `toml:"name"`
	Enabled        bool        `toml:"enabled"`
	RESTBaseURL    string      `toml:"rest_base_url"`
	TimeoutSeconds int         `toml:"timeout_seconds"`
	Proxy          ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        "binance",
			Enabled:     true,
			RESTBaseURL: "https://fapi.binance.com",
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if !src.Enabled {
			continue
		}
		if active == "" || strings.ToLower(src.Name) == active {
			return src
		}
	}
	return fallback
}

type StoreConfig struct {
	RunsDBPath string `toml:"runs_db_path"`
	ReportDir  string `toml:"report_dir"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// ScheduleConfig 仅 daemon 模式使用；run 模式一次执行后退出。
type ScheduleConfig struct {
	RunAtUTC      string `toml:"run_at_utc"` // "HH:MM"
	TradeWeekends bool   `toml:"trade_weekends"`
}

// SleevesFingerprint 返回分仓集合的稳定指纹，用于检测目标变更并触发 glidepath。
func (c *Config) SleevesFingerprint() string {
	if c == nil || len(c.Sleeves) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.Sleeves))
	for _, s := range c.Sleeves {
		legs := make([]string, 0, len(s.Legs))
		for _, l := range s.Legs {
			legs = append(legs, fmt.Sprintf("%s:%.8f", strings.TrimSpace(l.Instrument), l.Ratio))
		}
		sort.Strings(legs)
		parts = append(parts, fmt.Sprintf("%s|%.8f|%s", strings.TrimSpace(s.Name), s.Weight, strings.Join(legs, ",")))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:8])
}

// SleeveWeightSum 返回所有分仓权重之和，校验与审计共用。
func (c *Config) SleeveWeightSum() float64 {
	var total float64
	for _, s := range c.Sleeves {
		total += s.Weight
	}
	return total
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
