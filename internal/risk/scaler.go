package risk

import (
	"ballast/internal/config"
	"ballast/internal/logger"
	"ballast/internal/portfolio"
)

// ScaleInputs 打包一次缩放所需的全部状态。PrevScalar 为 0 表示首跑，
// 此时不做日间钳制。
type ScaleInputs struct {
	Snap        Snapshot
	EstimateOK  bool // false 表示估计器完全没有产出
	PrevScalar  float64
	Glidepath   portfolio.GlidepathState
	SleevesHash string
}

// ScaleResult 交给权重构建器，Glidepath 随状态落盘。
type ScaleResult struct {
	Scalar       float64
	Raw          float64 // target_vol / max(vol, floor)，未乘任何折减
	RegimeFactor float64
	Clamped      bool
	GlidepathOn  bool
	Glidepath    portfolio.GlidepathState
}

// ComputeScalar 把波动率快照换算成单一杠杆乘数。
//
// 运算顺序固定：raw → regime 折减 → 数据缺口折减 → glidepath 混合 →
// 日间钳制 → [0, maxGross] 截断。regime 折减必须发生在钳制之前，
// 否则 CRISIS 会被钳制吃掉。
func ComputeScalar(cfg config.RiskConfig, maxGross float64, in ScaleInputs) ScaleResult {
	res := ScaleResult{Glidepath: in.Glidepath}

	if !in.EstimateOK {
		// 波动率完全不可得：收缩到单日下限，绝不猜一个未钳制的值。
		scalar := cfg.ScalarStepDown * in.PrevScalar
		if scalar < 0 {
			scalar = 0
		}
		if maxGross > 0 && scalar > maxGross {
			scalar = maxGross
		}
		logger.Errorf("risk: 波动率估计完全缺失，scalar 收缩至 %.4f (%.2fx prev)", scalar, cfg.ScalarStepDown)
		res.Scalar = scalar
		res.Clamped = true
		return res
	}

	vol := in.Snap.RealizedVol
	if vol < cfg.VolFloor {
		vol = cfg.VolFloor
	}
	raw := cfg.TargetVolAnnual / vol
	res.Raw = raw

	factor := RegimeFactor(cfg, in.Snap.Regime, in.Snap.CalmStreak)
	res.RegimeFactor = factor
	target := raw * factor

	if in.Snap.DataGap {
		target *= cfg.DataGapHaircut
		logger.Warnf("risk: 数据缺口，目标 scalar 折减至 %.4f", target)
	}

	glide := in.Glidepath
	if glide.SleevesHash != in.SleevesHash {
		// 指纹变化（含首跑）：从上次 scalar 起步重新过渡。
		glide = portfolio.GlidepathState{Day: 1, FromScalar: in.PrevScalar, SleevesHash: in.SleevesHash}
		logger.Infof("risk: 分仓指纹变化，开启 %d 天 glidepath (from=%.4f)", cfg.GlidepathDays, glide.FromScalar)
	} else if glide.Day < cfg.GlidepathDays {
		glide.Day++
	}

	scalar := target
	if cfg.GlidepathDays > 0 && glide.Day < cfg.GlidepathDays {
		frac := float64(glide.Day) / float64(cfg.GlidepathDays)
		scalar = glide.FromScalar + (target-glide.FromScalar)*frac
		res.GlidepathOn = true
	}

	if in.PrevScalar > 0 {
		lo := cfg.ScalarStepDown * in.PrevScalar
		hi := cfg.ScalarStepUp * in.PrevScalar
		if scalar < lo {
			scalar = lo
			res.Clamped = true
		}
		if scalar > hi {
			scalar = hi
			res.Clamped = true
		}
	}

	if scalar < 0 {
		scalar = 0
	}
	if maxGross > 0 && scalar > maxGross {
		scalar = maxGross
	}

	res.Scalar = scalar
	res.Glidepath = glide
	return res
}
