package instrument

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind 是封闭的品种类别集合，新类别必须显式登记。
type Kind string

const (
	KindEquity Kind = "equity"
	KindFuture Kind = "future"
	KindFX     Kind = "fx"
	KindOption Kind = "option"
)

var allKinds = map[Kind]struct{}{
	KindEquity: {},
	KindFuture: {},
	KindFX:     {},
	KindOption: {},
}

// ParseKind 解析并校验类别，未知类别报错而不是落回默认。
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := allKinds[k]; !ok {
		return "", fmt.Errorf("unknown instrument kind: %q", raw)
	}
	return k, nil
}

func (k Kind) Valid() bool {
	_, ok := allKinds[k]
	return ok
}

// HasMultiplier 报告该类别的合约乘数是否参与名义价值计算。
func (k Kind) HasMultiplier() bool {
	switch k {
	case KindFuture, KindOption:
		return true
	default:
		return false
	}
}

// defaultMultiplier 返回类别缺省乘数；期货没有通用缺省，必须显式配置。
func (k Kind) defaultMultiplier() float64 {
	switch k {
	case KindOption:
		return 100
	case KindFuture:
		return 0
	default:
		return 1
	}
}

// Spec 描述单个可交易品种，注册表加载后不可变。
type Spec struct {
	ID          string  `yaml:"-"`
	Symbol      string  `yaml:"symbol"`
	Exchange    string  `yaml:"exchange"`
	Currency    string  `yaml:"currency"`
	Kind        Kind    `yaml:"kind"`
	Multiplier  float64 `yaml:"multiplier"`
	TickSize    float64 `yaml:"tick_size"`
	LotSize     float64 `yaml:"lot_size"`
	MinNotional float64 `yaml:"min_notional"`
	MaxWeight   float64 `yaml:"max_weight"` // 0 表示沿用全局上限
	Tradeable   bool    `yaml:"-"`          // 文件里缺省为 true，registry 负责解析
}

// UnitValue 返回单位数量的名义价值（价格 × 乘数）。
func (s Spec) UnitValue(price float64) float64 {
	return price * s.Multiplier
}

// Notional 返回给定数量与价格下的绝对名义价值。
func (s Spec) Notional(qty, price float64) float64 {
	v := qty * s.UnitValue(price)
	if v < 0 {
		return -v
	}
	return v
}

// RoundToLot 将数量向零取整到最小交易单位，符号保留。
func (s Spec) RoundToLot(qty float64) float64 {
	if s.LotSize <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	lot := decimal.NewFromFloat(s.LotSize)
	steps := q.Div(lot).Truncate(0)
	out, _ := steps.Mul(lot).Float64()
	return out
}

// RoundPriceToTick 将价格取整到最小报价单位；up 为 true 时向上取整。
func (s Spec) RoundPriceToTick(price float64, up bool) float64 {
	if s.TickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(s.TickSize)
	steps := p.Div(tick)
	if up {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	out, _ := steps.Mul(tick).Float64()
	return out
}

// normalize 补全缺省并校验不变量，注册表加载路径调用。
func (s *Spec) normalize(id string) error {
	s.ID = strings.TrimSpace(id)
	if s.ID == "" {
		return fmt.Errorf("instrument requires id")
	}
	if strings.TrimSpace(s.Symbol) == "" {
		s.Symbol = s.ID
	}
	if strings.TrimSpace(s.Currency) == "" {
		s.Currency = "USD"
	}
	kind, err := ParseKind(string(s.Kind))
	if err != nil {
		return fmt.Errorf("instrument %s: %w", s.ID, err)
	}
	s.Kind = kind
	if s.Multiplier <= 0 {
		s.Multiplier = kind.defaultMultiplier()
	}
	if s.Multiplier <= 0 {
		return fmt.Errorf("instrument %s kind=%s requires explicit multiplier", s.ID, kind)
	}
	if s.TickSize <= 0 {
		return fmt.Errorf("instrument %s requires tick_size > 0", s.ID)
	}
	if s.LotSize <= 0 {
		return fmt.Errorf("instrument %s requires lot_size > 0", s.ID)
	}
	if s.MinNotional < 0 {
		return fmt.Errorf("instrument %s min_notional must be >= 0", s.ID)
	}
	if s.MaxWeight < 0 || s.MaxWeight > 1 {
		return fmt.Errorf("instrument %s max_weight must be in [0,1]", s.ID)
	}
	return nil
}
