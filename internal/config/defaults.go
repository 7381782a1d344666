package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppLogPath      = "/data/logs/ballast.log"
	defaultAppHTTPAddr     = ":9917"
	defaultTargetVol       = 0.12
	defaultVolFloor        = 0.05
	defaultVolWindow       = 20
	defaultPriorVol        = 0.10
	defaultBurnInDays      = 60
	defaultGlidepathDays   = 10
	defaultStepDown        = 0.80
	defaultStepUp          = 1.25
	defaultMaxDrawdown     = 0.10
	defaultElevatedLevel   = 25
	defaultCrisisLevel     = 40
	defaultRecoveryDays    = 5
	defaultDataGapHaircut  = 0.50
	defaultBaseCurrency    = "USD"
	defaultMaxGross        = 2.0
	defaultInstrumentCap   = 0.05
	defaultStatePath       = "/data/state/portfolio.json"
	defaultReturnsDB       = "/data/db/returns.db"
	defaultInstrumentsPath = "configs/instruments.yaml"
	defaultVenueName       = "gateway"
	defaultVenueAPI        = "http://gateway:8080/api/v1"
	defaultVenueTimeout    = 15
	defaultFillWait        = 90
	defaultPollSeconds     = 2
	defaultPaperCash       = 1_000_000
	defaultMinNotional     = 200
	defaultSlippageBps     = 25
	defaultBenchmark       = "BTCUSDT"
	defaultLookbackDays    = 120
	defaultMarketName      = "binance"
	defaultMarketREST      = "https://fapi.binance.com"
	defaultRunsDB          = "/data/db/ballast.db"
	defaultReportDir       = "/data/reports"
	defaultRunAtUTC        = "21:10"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Portfolio.applyDefaults(keys)
	c.Instruments.applyDefaults(keys)
	c.Venue.applyDefaults(keys)
	c.Reconcile.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Schedule.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.target_vol_annual", &r.TargetVolAnnual, defaultTargetVol),
		floatFieldDefault("risk.vol_floor", &r.VolFloor, defaultVolFloor),
		intFieldDefault("risk.vol_window_days", &r.VolWindowDays, defaultVolWindow),
		floatFieldDefault("risk.prior_vol", &r.PriorVol, defaultPriorVol),
		intFieldDefault("risk.burn_in_days", &r.BurnInDays, defaultBurnInDays),
		intFieldDefault("risk.glidepath_days", &r.GlidepathDays, defaultGlidepathDays),
		floatFieldDefault("risk.scalar_step_down", &r.ScalarStepDown, defaultStepDown),
		floatFieldDefault("risk.scalar_step_up", &r.ScalarStepUp, defaultStepUp),
		floatFieldDefault("risk.max_drawdown_pct", &r.MaxDrawdownPct, defaultMaxDrawdown),
		floatFieldDefault("risk.elevated_vol_level", &r.ElevatedVolLevel, defaultElevatedLevel),
		floatFieldDefault("risk.crisis_vol_level", &r.CrisisVolLevel, defaultCrisisLevel),
		intFieldDefault("risk.recovery_exit_days", &r.RecoveryExitDays, defaultRecoveryDays),
		floatFieldDefault("risk.data_gap_haircut", &r.DataGapHaircut, defaultDataGapHaircut),
	)
}

func (p *PortfolioConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("portfolio.base_currency", &p.BaseCurrency, defaultBaseCurrency),
		floatFieldDefault("portfolio.max_gross_leverage", &p.MaxGrossLeverage, defaultMaxGross),
		floatFieldDefault("portfolio.instrument_cap_pct", &p.InstrumentCapPct, defaultInstrumentCap),
		stringFieldDefault("portfolio.state_path", &p.StatePath, defaultStatePath),
		stringFieldDefault("portfolio.returns_db_path", &p.ReturnsDBPath, defaultReturnsDB),
	)
}

func (i *InstrumentsConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("instruments.path", &i.Path, defaultInstrumentsPath),
	)
}

func (v *VenueConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("venue.name", &v.Name, defaultVenueName),
		stringFieldDefault("venue.api_url", &v.APIURL, defaultVenueAPI),
		intFieldDefault("venue.timeout_seconds", &v.TimeoutSeconds, defaultVenueTimeout),
		intFieldDefault("venue.fill_wait_seconds", &v.FillWaitSeconds, defaultFillWait),
		intFieldDefault("venue.poll_seconds", &v.PollSeconds, defaultPollSeconds),
		floatFieldDefault("venue.paper_cash", &v.PaperCash, defaultPaperCash),
	)
}

func (r *ReconcileConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("reconcile.min_notional_usd", &r.MinNotionalUSD, defaultMinNotional),
		floatFieldDefault("reconcile.slippage_bps", &r.SlippageBps, defaultSlippageBps),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.benchmark_symbol", &m.BenchmarkSymbol, defaultBenchmark),
		intFieldDefault("market.lookback_days", &m.LookbackDays, defaultLookbackDays),
	)
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledMarket(m.Sources)
	}
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.runs_db_path", &s.RunsDBPath, defaultRunsDB),
		stringFieldDefault("store.report_dir", &s.ReportDir, defaultReportDir),
	)
}

func (s *ScheduleConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("schedule.run_at_utc", &s.RunAtUTC, defaultRunAtUTC),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledMarket(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
