package portfolio

import (
	"fmt"
	"sort"
	"sync"
)

// Position 是簿记里的一条持仓，数量带符号，负数为空头。
type Position struct {
	InstrumentID string  `json:"instrument_id"`
	Quantity     float64 `json:"quantity"`
	AvgCost      float64 `json:"avg_cost"`
	Currency     string  `json:"currency"`
}

// Mark 是估值用的单品种标记：价格加合约乘数。
type Mark struct {
	Price      float64
	Multiplier float64
}

// Book 维护当前持仓与现金。调仓管道单线程写，ops HTTP 只读，
// 所以用读写锁而不是指望调用方自律。
type Book struct {
	mu           sync.RWMutex
	positions    map[string]Position
	cash         float64
	baseCurrency string
}

func NewBook(baseCurrency string) *Book {
	if baseCurrency == "" {
		baseCurrency = "USD"
	}
	return &Book{
		positions:    make(map[string]Position),
		baseCurrency: baseCurrency,
	}
}

// ReplaceAll 以场所快照整体替换簿记（clear-and-replace 对账）。
func (b *Book) ReplaceAll(positions []Position, cash float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]Position, len(positions))
	for _, p := range positions {
		if p.InstrumentID == "" || p.Quantity == 0 {
			continue
		}
		if p.Currency == "" {
			p.Currency = b.baseCurrency
		}
		b.positions[p.InstrumentID] = p
	}
	b.cash = cash
}

// Positions 返回按 ID 排序的持仓副本。
func (b *Book) Positions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

func (b *Book) Position(instrumentID string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[instrumentID]
	return p, ok
}

// Quantity 返回持仓数量，无持仓时为 0。
func (b *Book) Quantity(instrumentID string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.positions[instrumentID].Quantity
}

func (b *Book) Cash() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

func (b *Book) BaseCurrency() string { return b.baseCurrency }

// Fill 是一笔成交对簿记的影响。SignedQty 买正卖负。
type Fill struct {
	InstrumentID string
	SignedQty    float64
	Price        float64
	Multiplier   float64
}

// ApplyFill 把成交记入簿记：数量、均价、现金同步调整。
func (b *Book) ApplyFill(f Fill) {
	if f.InstrumentID == "" || f.SignedQty == 0 {
		return
	}
	if f.Multiplier <= 0 {
		f.Multiplier = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	pos := b.positions[f.InstrumentID]
	pos.InstrumentID = f.InstrumentID
	if pos.Currency == "" {
		pos.Currency = b.baseCurrency
	}
	newQty := pos.Quantity + f.SignedQty
	switch {
	case pos.Quantity == 0:
		pos.AvgCost = f.Price
	case sameDirection(pos.Quantity, f.SignedQty):
		// 加仓：数量加权均价
		total := pos.AvgCost*absFloat(pos.Quantity) + f.Price*absFloat(f.SignedQty)
		pos.AvgCost = total / (absFloat(pos.Quantity) + absFloat(f.SignedQty))
	case !sameDirection(pos.Quantity, newQty) && newQty != 0:
		// 穿越零点反手，新方向以成交价为均价
		pos.AvgCost = f.Price
	}
	pos.Quantity = newQty
	if newQty == 0 {
		delete(b.positions, f.InstrumentID)
	} else {
		b.positions[f.InstrumentID] = pos
	}
	b.cash -= f.SignedQty * f.Price * f.Multiplier
}

// NAV 计算净值：现金 + Σ 数量×价格×乘数。
// 有持仓却缺标记按错误处理，估值不完整的 NAV 不能用于调仓。
func (b *Book) NAV(marks map[string]Mark) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	nav := b.cash
	for id, p := range b.positions {
		mark, ok := marks[id]
		if !ok || mark.Price <= 0 {
			return 0, fmt.Errorf("缺少 %s 的估值价格", id)
		}
		mult := mark.Multiplier
		if mult <= 0 {
			mult = 1
		}
		nav += p.Quantity * mark.Price * mult
	}
	return nav, nil
}

// GrossExposure 返回总敞口 Σ|数量×价格×乘数|，杠杆监控用。
func (b *Book) GrossExposure(marks map[string]Mark) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var gross float64
	for id, p := range b.positions {
		mark, ok := marks[id]
		if !ok {
			continue
		}
		mult := mark.Multiplier
		if mult <= 0 {
			mult = 1
		}
		gross += absFloat(p.Quantity * mark.Price * mult)
	}
	return gross
}

func sameDirection(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
