// Package reconcile turns target weights into venue orders: lot-rounded
// deltas, min-notional suppression, sells confirmed before buys, and a single
// refetch-and-reprice retry on price rejections.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ballast/internal/instrument"
	"ballast/internal/logger"
	"ballast/internal/portfolio"
	"ballast/internal/venue"
	"ballast/internal/weights"
)

const (
	defaultFillWait     = 90 * time.Second
	defaultPollInterval = 2 * time.Second
)

type Config struct {
	MinNotional  float64
	SlippageBps  float64
	FillWait     time.Duration
	PollInterval time.Duration
}

// Reconciler 对着一个执行场所做一次性调仓，本身无状态，可安全复用。
type Reconciler struct {
	venue venue.Venue
	cfg   Config
}

func New(v venue.Venue, cfg Config) *Reconciler {
	if cfg.FillWait <= 0 {
		cfg.FillWait = defaultFillWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Reconciler{venue: v, cfg: cfg}
}

// OrderOutcome 是一笔真正发出去的订单及其终局。
type OrderOutcome struct {
	Order    venue.Order
	Status   venue.OrderStatus
	Replaced bool // 价格拒单后改价重报过
	TimedOut bool
}

// SkippedOrder 记录没有发出去（或被放弃）的调仓意图。
type SkippedOrder struct {
	InstrumentID string
	Sleeve       string
	Side         venue.Side
	Quantity     float64
	Reason       string
}

// Summary 是一次调仓阶段的完整账目，不管中途degradation与否都要产出。
type Summary struct {
	Submitted []OrderOutcome
	Skipped   []SkippedOrder
	Partial   bool // 卖单未全部确认，买单整体跳过
}

// FilledCount 返回终态为成交的订单数。
func (s Summary) FilledCount() int {
	n := 0
	for _, o := range s.Submitted {
		if o.Status.State == venue.StateFilled {
			n++
		}
	}
	return n
}

// Run 执行一次调仓：先卖后买，卖单逐笔阻塞确认。
//
// 卖单有任何一笔在限时内没到终态，就放弃整个买入阶段，
// 宁可少动也不在保证金余量不明的情况下加仓。场所连接级的失败
// 向上返回错误，由管道中止调仓阶段但照常落盘状态与摘要。
func (r *Reconciler) Run(ctx context.Context, book *portfolio.Book, targets weights.Set,
	specs map[string]instrument.Spec, quotes map[string]venue.Quote, nav float64) (Summary, error) {

	sells, buys, skipped := r.plan(book, targets, specs, quotes, nav)
	summary := Summary{Skipped: skipped}
	logger.Infof("reconcile: 计划 卖 %d 笔 / 买 %d 笔 / 预先跳过 %d 笔", len(sells), len(buys), len(skipped))

	for _, po := range sells {
		timedOut, err := r.execute(ctx, book, po, &summary)
		if err != nil {
			summary.Partial = true
			return summary, err
		}
		if timedOut {
			summary.Partial = true
		}
	}

	if summary.Partial {
		logger.Errorf("reconcile: 卖出阶段未全部确认，跳过全部 %d 笔买单", len(buys))
		for _, po := range buys {
			logger.Warnf("reconcile: 跳过买单 %s x%.4f (sleeve=%s): 卖出未完成", po.order.Symbol, po.order.Quantity, po.order.SleeveTag)
			summary.Skipped = append(summary.Skipped, SkippedOrder{
				InstrumentID: po.order.InstrumentID, Sleeve: po.order.SleeveTag,
				Side: po.order.Side, Quantity: po.order.Quantity, Reason: "sell_phase_incomplete",
			})
		}
		return summary, nil
	}

	for _, po := range buys {
		// 买单超时不标记 Partial：单子留在场所，下次运行的持仓同步收尾。
		if _, err := r.execute(ctx, book, po, &summary); err != nil {
			summary.Partial = true
			return summary, err
		}
	}
	return summary, nil
}

// execute 提交一笔计划订单并跟到终态或超时，成交量写回簿记。
func (r *Reconciler) execute(ctx context.Context, book *portfolio.Book, po plannedOrder, summary *Summary) (bool, error) {
	st, order, replaced, err := r.submitWithReprice(ctx, po)
	if err != nil {
		return false, fmt.Errorf("提交 %s %s 订单失败: %w", order.Side, order.Symbol, err)
	}
	if st.State == venue.StateRejected || st.State == venue.StateCanceled {
		logger.Warnf("reconcile: %s %s x%.4f 被拒 (sleeve=%s, replaced=%v): %s",
			order.Side, order.Symbol, order.Quantity, order.SleeveTag, replaced, st.Reason)
		summary.Skipped = append(summary.Skipped, SkippedOrder{
			InstrumentID: order.InstrumentID, Sleeve: order.SleeveTag,
			Side: order.Side, Quantity: order.Quantity,
			Reason: fmt.Sprintf("%s: %s", st.State, st.Reason),
		})
		return false, nil
	}

	final, timedOut := r.awaitFill(ctx, st)
	summary.Submitted = append(summary.Submitted, OrderOutcome{Order: order, Status: final, Replaced: replaced, TimedOut: timedOut})

	if final.FilledQty > 0 || final.State == venue.StateFilled {
		applyFill(book, po.spec, order, final)
	}
	switch {
	case timedOut:
		logger.Warnf("reconcile: %s %s 等待成交超时 (venue_id=%s, state=%s)", order.Side, order.Symbol, final.VenueOrderID, final.State)
	case final.State == venue.StateFilled:
		logger.Infof("reconcile: %s %s x%.4f @ %.4f 成交 (sleeve=%s)", order.Side, order.Symbol, final.FilledQty, final.AvgFillPrice, order.SleeveTag)
	default:
		logger.Warnf("reconcile: %s %s 终态 %s: %s", order.Side, order.Symbol, final.State, final.Reason)
	}
	return timedOut, nil
}

// submitWithReprice 提交订单；遇到价格类拒单时重取一次行情、换新
// ClientOrderID 改价重报，再拒就放弃。非价格拒单不重试。
func (r *Reconciler) submitWithReprice(ctx context.Context, po plannedOrder) (venue.OrderStatus, venue.Order, bool, error) {
	order := po.order
	st, err := r.venue.SubmitOrder(ctx, order)
	if err != nil {
		return venue.OrderStatus{}, order, false, err
	}
	if st.State != venue.StateRejected || st.RejectKind != venue.RejectPrice {
		return st, order, false, nil
	}

	logger.Warnf("reconcile: %s %s 价格拒单，改价重报一次: %s", order.Side, order.Symbol, st.Reason)
	quote, qerr := r.venue.GetQuote(ctx, order.Symbol)
	if qerr != nil {
		logger.Warnf("reconcile: 改价前重取行情失败，放弃 %s: %v", order.Symbol, qerr)
		return st, order, false, nil
	}
	price := quote.Mid()
	if price <= 0 {
		logger.Warnf("reconcile: 重取行情价格异常 (%.4f)，放弃 %s", price, order.Symbol)
		return st, order, false, nil
	}

	replacement := order
	replacement.ClientOrderID = uuid.NewString()
	replacement.LimitPrice = limitPrice(po.spec, price, order.Side, r.cfg.SlippageBps)
	st2, err := r.venue.SubmitOrder(ctx, replacement)
	if err != nil {
		return venue.OrderStatus{}, replacement, true, err
	}
	return st2, replacement, true, nil
}

// awaitFill 轮询订单直到终态或超出限时。ctx 取消按超时处理，
// 在途订单留在场所，由下次运行的持仓同步兜底。
func (r *Reconciler) awaitFill(ctx context.Context, st venue.OrderStatus) (venue.OrderStatus, bool) {
	if st.State.Terminal() {
		return st, false
	}
	deadline := time.Now().Add(r.cfg.FillWait)
	last := st
	for {
		select {
		case <-ctx.Done():
			return last, true
		case <-time.After(r.cfg.PollInterval):
		}
		cur, err := r.venue.GetOrderStatus(ctx, st.VenueOrderID)
		if err != nil {
			logger.Warnf("reconcile: 查询订单 %s 状态失败: %v", st.VenueOrderID, err)
		} else {
			last = cur
			if cur.State.Terminal() {
				return cur, false
			}
		}
		if time.Now().After(deadline) {
			return last, true
		}
	}
}

func applyFill(book *portfolio.Book, spec instrument.Spec, order venue.Order, st venue.OrderStatus) {
	qty := st.FilledQty
	if qty <= 0 {
		if st.State != venue.StateFilled {
			return
		}
		qty = order.Quantity
	}
	price := st.AvgFillPrice
	if price <= 0 {
		price = order.LimitPrice
	}
	signed := qty
	if order.Side == venue.SideSell {
		signed = -qty
	}
	book.ApplyFill(portfolio.Fill{
		InstrumentID: order.InstrumentID,
		SignedQty:    signed,
		Price:        price,
		Multiplier:   spec.Multiplier,
	})
}
