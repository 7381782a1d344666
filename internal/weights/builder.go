// Package weights expands sleeve allocations into instrument-level target
// weights: per-leg ratio normalization, the leverage scalar, per-instrument
// caps, and the final gross-leverage check.
package weights

import (
	"math"
	"sort"

	"ballast/internal/config"
	"ballast/internal/instrument"
	"ballast/internal/logger"
)

// Omission 记录被零权重跳过的腿，进运行摘要，方便审计降级行为。
type Omission struct {
	Sleeve     string `json:"sleeve"`
	Instrument string `json:"instrument"`
	Reason     string `json:"reason"`
}

// Set 是一次构建的产出：instrument → 带符号的 NAV 权重。
// 恰好归零的品种不出现在 map 里，调仓层按缺省 0 处理。
type Set struct {
	Weights     map[string]float64
	SleeveTag   map[string]string
	Omissions   []Omission
	Gross       float64
	GrossScaled bool
}

// Weight 返回指定品种的目标权重，未出现即 0。
func (s Set) Weight(id string) float64 {
	return s.Weights[id]
}

// IDs 返回排序后的品种列表，保证调仓顺序稳定。
func (s Set) IDs() []string {
	out := make([]string, 0, len(s.Weights))
	for id := range s.Weights {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Build 把分仓配置按 scalar 展开成品种权重。
//
// 每条腿：weight = sleeve.Weight × scalar × ratio/Σ|ratio|。
// 不可交易或未登记的品种记为 omission 并继续，单个品种超限只缩它自己，
// 最后 Σ|w| 超过总杠杆时整体等比缩回。
func Build(sleeves []config.Sleeve, scalar float64, specs map[string]instrument.Spec, capPct, maxGross float64) Set {
	out := Set{
		Weights:   make(map[string]float64),
		SleeveTag: make(map[string]string),
	}
	// instrument → sleeve → 贡献，决定共享品种挂哪个 sleeve 标签。
	contrib := make(map[string]map[string]float64)

	for _, sleeve := range sleeves {
		var sumAbs float64
		for _, leg := range sleeve.Legs {
			sumAbs += math.Abs(leg.Ratio)
		}
		if sumAbs <= 0 {
			continue
		}
		for _, leg := range sleeve.Legs {
			spec, ok := specs[leg.Instrument]
			if !ok {
				logger.Warnf("weights: 跳过 %s (sleeve=%s): 品种未登记", leg.Instrument, sleeve.Name)
				out.Omissions = append(out.Omissions, Omission{Sleeve: sleeve.Name, Instrument: leg.Instrument, Reason: "not_registered"})
				continue
			}
			if !spec.Tradeable {
				logger.Warnf("weights: 跳过 %s (sleeve=%s): 标记为不可交易", leg.Instrument, sleeve.Name)
				out.Omissions = append(out.Omissions, Omission{Sleeve: sleeve.Name, Instrument: leg.Instrument, Reason: "non_tradeable"})
				continue
			}
			w := sleeve.Weight * scalar * leg.Ratio / sumAbs
			if w == 0 {
				continue
			}
			out.Weights[leg.Instrument] += w
			if contrib[leg.Instrument] == nil {
				contrib[leg.Instrument] = make(map[string]float64)
			}
			contrib[leg.Instrument][sleeve.Name] += w
		}
	}

	// 跨 sleeve 合并后恰好抵消的品种直接拿掉。
	for id, w := range out.Weights {
		if w == 0 {
			delete(out.Weights, id)
			delete(contrib, id)
		}
	}

	for id, bySleeve := range contrib {
		var best string
		var bestAbs float64
		for name, w := range bySleeve {
			abs := math.Abs(w)
			if abs > bestAbs || (abs == bestAbs && name < best) {
				best, bestAbs = name, abs
			}
		}
		out.SleeveTag[id] = best
	}

	// 单品种上限：只缩超限的那一个，符号保留。
	for id, w := range out.Weights {
		limit := capPct
		if spec, ok := specs[id]; ok && spec.MaxWeight > 0 {
			limit = spec.MaxWeight
		}
		if limit <= 0 {
			continue
		}
		if abs := math.Abs(w); abs > limit {
			capped := math.Copysign(limit, w)
			logger.Warnf("weights: %s 权重 %.4f 超过上限 %.4f，缩至 %.4f", id, w, limit, capped)
			out.Weights[id] = capped
		}
	}

	var gross float64
	for _, w := range out.Weights {
		gross += math.Abs(w)
	}
	if maxGross > 0 && gross > maxGross {
		ratio := maxGross / gross
		logger.Warnf("weights: 总敞口 %.4f 超过上限 %.4f，整体缩放 %.4f", gross, maxGross, ratio)
		for id, w := range out.Weights {
			out.Weights[id] = w * ratio
		}
		gross = maxGross
		out.GrossScaled = true
	}
	out.Gross = gross
	return out
}
