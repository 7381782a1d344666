package risk

import (
	"ballast/internal/config"
)

// Regime 是市场压力档位，直接决定杠杆折减系数。
type Regime string

const (
	RegimeNormal   Regime = "NORMAL"
	RegimeElevated Regime = "ELEVATED"
	RegimeCrisis   Regime = "CRISIS"
	RegimeRecovery Regime = "RECOVERY"
)

const (
	normalFactor   = 1.0
	elevatedFactor = 0.5
	crisisFactor   = 0.25
)

// ClassifyInputs 汇总状态机一次判定需要的全部观测。
// Prev* 字段来自上次运行落盘的状态，RECOVERY 靠它们延续，
// 不是每次重新推导。
type ClassifyInputs struct {
	ProxyVolPct    float64
	ProxyOK        bool
	MomentumUp     bool
	MomentumOK     bool
	Drawdown       float64
	PrevInRecovery bool
	PrevCalmStreak int
}

// Decision 是状态机输出：本次 regime 加上要回写状态的恢复进度。
type Decision struct {
	Regime     Regime
	CalmStreak int
	InRecovery bool
}

// Classify 执行一次 regime 判定。
//
// 优先级：CRISIS（代理 ≥ crisis 阈值或回撤超限）永远最高；
// 其次是延续中的 RECOVERY；行情缺失时宁可保守，落到 ELEVATED，
// 绝不在缺数据时给 NORMAL。
func Classify(cfg config.RiskConfig, in ClassifyInputs) Decision {
	crisis := (in.ProxyOK && in.ProxyVolPct >= cfg.CrisisVolLevel) ||
		in.Drawdown > cfg.MaxDrawdownPct
	if crisis {
		return Decision{Regime: RegimeCrisis, CalmStreak: 0, InRecovery: true}
	}

	if in.PrevInRecovery {
		calm := in.ProxyOK && in.ProxyVolPct < cfg.ElevatedVolLevel
		if !calm {
			// 恢复期再起波澜，平静计数清零，继续压着仓位。
			return Decision{Regime: RegimeRecovery, CalmStreak: 0, InRecovery: true}
		}
		streak := in.PrevCalmStreak + 1
		if streak < cfg.RecoveryExitDays {
			return Decision{Regime: RegimeRecovery, CalmStreak: streak, InRecovery: true}
		}
		// 连续平静天数够了，退出恢复段，落回常规口径。
		if in.MomentumOK && !in.MomentumUp {
			return Decision{Regime: RegimeElevated}
		}
		return Decision{Regime: RegimeNormal}
	}

	if !in.ProxyOK {
		return Decision{Regime: RegimeElevated}
	}
	if in.ProxyVolPct >= cfg.ElevatedVolLevel {
		return Decision{Regime: RegimeElevated}
	}
	if !in.MomentumOK || !in.MomentumUp {
		return Decision{Regime: RegimeElevated}
	}
	return Decision{Regime: RegimeNormal}
}

// RegimeFactor 返回 regime 对应的杠杆折减系数。
// RECOVERY 按平静进度在 0.25 到 1.0 之间线性爬升。
func RegimeFactor(cfg config.RiskConfig, regime Regime, calmStreak int) float64 {
	switch regime {
	case RegimeNormal:
		return normalFactor
	case RegimeElevated:
		return elevatedFactor
	case RegimeCrisis:
		return crisisFactor
	case RegimeRecovery:
		exit := cfg.RecoveryExitDays
		if exit <= 0 {
			return crisisFactor
		}
		progress := float64(calmStreak) / float64(exit)
		if progress > 1 {
			progress = 1
		}
		return crisisFactor + (normalFactor-crisisFactor)*progress
	default:
		// 未知档位按最保守处理。
		return crisisFactor
	}
}
