// Package paper provides an in-memory execution venue. Orders fill
// immediately at their limit price. dry-run 模式下可以叠加在真实网关之上：
// 读走网关、写走模拟。
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ballast/internal/logger"
	"ballast/internal/venue"
)

type Paper struct {
	mu   sync.Mutex
	name string

	// reads 非空时持仓/现金/报价委托给它（dry-run 叠加模式）
	reads venue.Venue

	cash      float64
	currency  string
	positions map[string]venue.Position
	quotes    map[string]venue.Quote

	orders    map[string]venue.OrderStatus
	submitted []venue.Order
	seq       int

	rejectQueue map[string][]string // symbol -> 待触发的拒单原因
	pollsLeft   map[string]int      // venueOrderID -> 还需轮询次数才转 filled
	fillPolls   int
}

var _ venue.Venue = (*Paper)(nil)

// New 构造独立模拟盘，测试与演示用。现金单位与报价一致。
func New(cash float64) *Paper {
	return &Paper{
		name:        "paper",
		cash:        cash,
		currency:    "USD",
		positions:   make(map[string]venue.Position),
		quotes:      make(map[string]venue.Quote),
		orders:      make(map[string]venue.OrderStatus),
		rejectQueue: make(map[string][]string),
		pollsLeft:   make(map[string]int),
	}
}

// NewOverlay 构造 dry-run 叠加模式：读真实场所，写内存。
func NewOverlay(reads venue.Venue) *Paper {
	p := New(0)
	p.name = "paper-overlay"
	p.reads = reads
	return p
}

func (p *Paper) Name() string { return p.name }

// SeedPosition 预置持仓，仅独立模式有效。
func (p *Paper) SeedPosition(symbol string, qty, avgCost float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] = venue.Position{
		Symbol: symbol, Quantity: qty, AvgCost: avgCost,
		Currency: p.currency, UpdatedAt: time.Now(),
	}
}

// SeedQuote 预置报价。
func (p *Paper) SeedQuote(symbol string, last, bid, ask float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = venue.Quote{Symbol: symbol, Last: last, Bid: bid, Ask: ask, UpdatedAt: time.Now()}
}

// RejectNext 让指定 symbol 的下一笔订单被拒，原因文本决定拒单分类。
func (p *Paper) RejectNext(symbol, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectQueue[symbol] = append(p.rejectQueue[symbol], reason)
}

// FillAfterPolls 让后续订单先回 accepted，经 n 次状态查询后才 filled。
func (p *Paper) FillAfterPolls(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillPolls = n
}

// Submitted 返回提交顺序的订单副本，断言 SELL 先于 BUY 用。
func (p *Paper) Submitted() []venue.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]venue.Order, len(p.submitted))
	copy(out, p.submitted)
	return out
}

func (p *Paper) GetPositions(ctx context.Context) ([]venue.Position, error) {
	if p.reads != nil {
		return p.reads.GetPositions(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]venue.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Quantity == 0 {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

func (p *Paper) GetAccount(ctx context.Context) (venue.Account, error) {
	if p.reads != nil {
		return p.reads.GetAccount(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return venue.Account{Cash: p.cash, Currency: p.currency, UpdatedAt: time.Now()}, nil
}

func (p *Paper) GetQuote(ctx context.Context, symbol string) (venue.Quote, error) {
	if p.reads != nil {
		return p.reads.GetQuote(ctx, symbol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return venue.Quote{}, fmt.Errorf("paper venue 无报价: %s", symbol)
	}
	return q, nil
}

func (p *Paper) SubmitOrder(ctx context.Context, order venue.Order) (venue.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return venue.OrderStatus{}, err
	}
	if order.Quantity <= 0 {
		return venue.OrderStatus{}, fmt.Errorf("paper venue 拒绝非正数量: %v", order.Quantity)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.submitted = append(p.submitted, order)
	p.seq++
	id := fmt.Sprintf("P%04d", p.seq)

	if reasons := p.rejectQueue[order.Symbol]; len(reasons) > 0 {
		reason := reasons[0]
		p.rejectQueue[order.Symbol] = reasons[1:]
		status := venue.OrderStatus{
			VenueOrderID:  id,
			ClientOrderID: order.ClientOrderID,
			State:         venue.StateRejected,
			Reason:        reason,
			RejectKind:    venue.ClassifyReject(reason),
			UpdatedAt:     time.Now(),
		}
		if status.RejectKind == venue.RejectNone {
			status.RejectKind = venue.RejectOther
		}
		p.orders[id] = status
		return status, nil
	}

	status := venue.OrderStatus{
		VenueOrderID:  id,
		ClientOrderID: order.ClientOrderID,
		UpdatedAt:     time.Now(),
	}
	if p.fillPolls > 0 {
		status.State = venue.StateAccepted
		p.pollsLeft[id] = p.fillPolls
	} else {
		status.State = venue.StateFilled
		status.FilledQty = order.Quantity
		status.AvgFillPrice = order.LimitPrice
		p.applyFillLocked(order)
	}
	p.orders[id] = status
	return status, nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, venueOrderID string) (venue.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.orders[venueOrderID]
	if !ok {
		return venue.OrderStatus{}, fmt.Errorf("paper venue 未知订单: %s", venueOrderID)
	}
	if left, pending := p.pollsLeft[venueOrderID]; pending {
		if left > 1 {
			p.pollsLeft[venueOrderID] = left - 1
			return status, nil
		}
		delete(p.pollsLeft, venueOrderID)
		order := p.findSubmittedLocked(status.ClientOrderID)
		status.State = venue.StateFilled
		status.FilledQty = order.Quantity
		status.AvgFillPrice = order.LimitPrice
		status.UpdatedAt = time.Now()
		p.applyFillLocked(order)
		p.orders[venueOrderID] = status
	}
	return status, nil
}

func (p *Paper) CancelOrder(ctx context.Context, venueOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("paper venue 未知订单: %s", venueOrderID)
	}
	if status.State.Terminal() {
		return nil
	}
	delete(p.pollsLeft, venueOrderID)
	status.State = venue.StateCanceled
	status.UpdatedAt = time.Now()
	p.orders[venueOrderID] = status
	return nil
}

func (p *Paper) findSubmittedLocked(clientOrderID string) venue.Order {
	for i := len(p.submitted) - 1; i >= 0; i-- {
		if p.submitted[i].ClientOrderID == clientOrderID {
			return p.submitted[i]
		}
	}
	return venue.Order{}
}

// applyFillLocked 更新内存持仓。现金按 数量×价格 记账，不含合约乘数：
// 模拟盘只保证数量对账正确，精确的名义价值归组合簿记负责。
func (p *Paper) applyFillLocked(order venue.Order) {
	if p.reads != nil {
		logger.Debugf("paper overlay 吞掉订单 %s %s %v@%v", order.Symbol, order.Side, order.Quantity, order.LimitPrice)
		return
	}
	signed := order.Quantity
	if order.Side == venue.SideSell {
		signed = -signed
	}
	pos := p.positions[order.Symbol]
	if pos.Symbol == "" {
		pos = venue.Position{Symbol: order.Symbol, Currency: p.currency}
	}
	newQty := pos.Quantity + signed
	if pos.Quantity == 0 || sameSign(pos.Quantity, newQty) && abs(newQty) > abs(pos.Quantity) {
		// 加仓方向更新均价
		total := pos.AvgCost*abs(pos.Quantity) + order.LimitPrice*abs(signed)
		if abs(newQty) > 0 {
			pos.AvgCost = total / (abs(pos.Quantity) + abs(signed))
		}
	}
	pos.Quantity = newQty
	pos.UpdatedAt = time.Now()
	p.positions[order.Symbol] = pos
	p.cash -= signed * order.LimitPrice
}

func sameSign(a, b float64) bool {
	return (a >= 0 && b >= 0) || (a <= 0 && b <= 0)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// String 便于日志定位。
func (p *Paper) String() string {
	mode := "standalone"
	if p.reads != nil {
		mode = "overlay:" + strings.TrimSpace(p.reads.Name())
	}
	return "paper(" + mode + ")"
}
