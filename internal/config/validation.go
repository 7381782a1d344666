package config

import (
	"fmt"
	"math"
	"strings"
)

const sleeveSumTolerance = 1e-9

// validate 对配置进行启动期校验，违反即拒绝加载。
func validate(c *Config) error {
	if err := c.validateSleeves(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Portfolio.validate(); err != nil {
		return err
	}
	if err := c.Venue.validate(); err != nil {
		return err
	}
	if err := c.Reconcile.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Schedule.validate(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateSleeves() error {
	if len(c.Sleeves) == 0 {
		return fmt.Errorf("sleeves requires at least one sleeve")
	}
	seen := make(map[string]bool, len(c.Sleeves))
	for _, s := range c.Sleeves {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("sleeves contains entry without name")
		}
		if seen[name] {
			return fmt.Errorf("sleeves contains duplicate name: %s", name)
		}
		seen[name] = true
		if s.Weight <= 0 {
			return fmt.Errorf("sleeve %s weight must be > 0, got %v", name, s.Weight)
		}
		if len(s.Legs) == 0 {
			return fmt.Errorf("sleeve %s requires at least one leg", name)
		}
		for _, leg := range s.Legs {
			if strings.TrimSpace(leg.Instrument) == "" {
				return fmt.Errorf("sleeve %s contains leg without instrument", name)
			}
			if leg.Ratio == 0 {
				return fmt.Errorf("sleeve %s leg %s ratio cannot be 0", name, leg.Instrument)
			}
		}
	}
	if sum := c.SleeveWeightSum(); math.Abs(sum-1.0) > sleeveSumTolerance {
		return fmt.Errorf("sleeve weights must sum to 1.0, got %.12f", sum)
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.TargetVolAnnual <= 0 {
		return fmt.Errorf("risk.target_vol_annual must be > 0")
	}
	if r.VolFloor <= 0 {
		return fmt.Errorf("risk.vol_floor must be > 0")
	}
	if r.VolWindowDays < 2 {
		return fmt.Errorf("risk.vol_window_days must be >= 2")
	}
	if r.PriorVol <= 0 {
		return fmt.Errorf("risk.prior_vol must be > 0")
	}
	if r.BurnInDays < 0 {
		return fmt.Errorf("risk.burn_in_days must be >= 0")
	}
	if r.GlidepathDays < 1 {
		return fmt.Errorf("risk.glidepath_days must be >= 1")
	}
	if r.ScalarStepDown <= 0 || r.ScalarStepDown >= 1 {
		return fmt.Errorf("risk.scalar_step_down must be in (0,1)")
	}
	if r.ScalarStepUp <= 1 {
		return fmt.Errorf("risk.scalar_step_up must be > 1")
	}
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0,1)")
	}
	if r.ElevatedVolLevel <= 0 {
		return fmt.Errorf("risk.elevated_vol_level must be > 0")
	}
	if r.CrisisVolLevel <= r.ElevatedVolLevel {
		return fmt.Errorf("risk.crisis_vol_level must be > elevated_vol_level")
	}
	if r.RecoveryExitDays < 1 {
		return fmt.Errorf("risk.recovery_exit_days must be >= 1")
	}
	if r.DataGapHaircut <= 0 || r.DataGapHaircut > 1 {
		return fmt.Errorf("risk.data_gap_haircut must be in (0,1]")
	}
	return nil
}

func (p *PortfolioConfig) validate() error {
	if p.MaxGrossLeverage <= 0 {
		return fmt.Errorf("portfolio.max_gross_leverage must be > 0")
	}
	if p.InstrumentCapPct <= 0 || p.InstrumentCapPct > 1 {
		return fmt.Errorf("portfolio.instrument_cap_pct must be in (0,1]")
	}
	if strings.TrimSpace(p.StatePath) == "" {
		return fmt.Errorf("portfolio.state_path cannot be empty")
	}
	if strings.TrimSpace(p.ReturnsDBPath) == "" {
		return fmt.Errorf("portfolio.returns_db_path cannot be empty")
	}
	return nil
}

func (v *VenueConfig) validate() error {
	if v.DryRun {
		return nil
	}
	if strings.TrimSpace(v.APIURL) == "" {
		return fmt.Errorf("venue.api_url cannot be empty")
	}
	if strings.TrimSpace(v.APIToken) == "" {
		if strings.TrimSpace(v.Username) == "" || strings.TrimSpace(v.Password) == "" {
			return fmt.Errorf("venue requires api_token or username+password")
		}
	}
	if v.FillWaitSeconds <= 0 {
		return fmt.Errorf("venue.fill_wait_seconds must be > 0")
	}
	if v.PollSeconds <= 0 {
		return fmt.Errorf("venue.poll_seconds must be > 0")
	}
	return nil
}

func (r *ReconcileConfig) validate() error {
	if r.MinNotionalUSD < 0 {
		return fmt.Errorf("reconcile.min_notional_usd must be >= 0")
	}
	if r.SlippageBps < 0 {
		return fmt.Errorf("reconcile.slippage_bps must be >= 0")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if strings.TrimSpace(m.BenchmarkSymbol) == "" {
		return fmt.Errorf("market.benchmark_symbol cannot be empty")
	}
	if m.LookbackDays < 30 {
		return fmt.Errorf("market.lookback_days must be >= 30")
	}
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	activeName := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	enabled := 0
	activeFound := false
	for _, src := range m.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(src.RESTBaseURL) == "" {
			return fmt.Errorf("market source %s missing rest_base_url", src.Name)
		}
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if activeName == "" || name == activeName {
			activeFound = true
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	if !activeFound {
		return fmt.Errorf("enabled market.active_source=%s not found", m.ActiveSource)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

func (s *ScheduleConfig) validate() error {
	if _, _, err := s.ParseRunAt(); err != nil {
		return err
	}
	return nil
}

// ParseRunAt 解析 "HH:MM" 为 UTC 时分。
func (s *ScheduleConfig) ParseRunAt() (hour, minute int, err error) {
	raw := strings.TrimSpace(s.RunAtUTC)
	if raw == "" {
		return 0, 0, fmt.Errorf("schedule.run_at_utc cannot be empty")
	}
	if _, err := fmt.Sscanf(raw, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("schedule.run_at_utc must be HH:MM, got %s", raw)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("schedule.run_at_utc out of range: %s", raw)
	}
	return hour, minute, nil
}
