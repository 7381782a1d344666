package reconcile

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"ballast/internal/instrument"
	"ballast/internal/logger"
	"ballast/internal/portfolio"
	"ballast/internal/venue"
	"ballast/internal/weights"
)

// plannedOrder 把下单所需的上下文捆在一起，执行阶段不再查表。
type plannedOrder struct {
	order venue.Order
	spec  instrument.Spec
	delta float64 // 带符号的手数差
}

// plan 对比簿记与目标权重，产出按品种排序的卖单与买单。
//
// 遍历的是持仓与目标的并集：目标里消失的品种意味着清仓。
// 数量先按手数取整，低于最小名义金额的差额直接压掉，
// 避免在取整噪声上来回摩擦。
func (r *Reconciler) plan(book *portfolio.Book, targets weights.Set, specs map[string]instrument.Spec,
	quotes map[string]venue.Quote, nav float64) (sells, buys []plannedOrder, skipped []SkippedOrder) {

	universe := make(map[string]struct{}, len(targets.Weights))
	for _, p := range book.Positions() {
		universe[p.InstrumentID] = struct{}{}
	}
	for id := range targets.Weights {
		universe[id] = struct{}{}
	}
	ids := make([]string, 0, len(universe))
	for id := range universe {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		current := book.Quantity(id)
		weight := targets.Weight(id)
		sleeve := targets.SleeveTag[id]

		spec, ok := specs[id]
		if !ok {
			logger.Warnf("reconcile: 跳过 %s: 品种未登记但簿记有持仓", id)
			skipped = append(skipped, SkippedOrder{InstrumentID: id, Sleeve: sleeve, Reason: "no_spec"})
			continue
		}
		if !spec.Tradeable {
			if current != 0 || weight != 0 {
				logger.Warnf("reconcile: 跳过 %s: 不可交易 (持仓 %.4f, 目标权重 %.4f)", id, current, weight)
				skipped = append(skipped, SkippedOrder{InstrumentID: id, Sleeve: sleeve, Reason: "non_tradeable"})
			}
			continue
		}

		quote, ok := quotes[id]
		price := quote.Mid()
		if !ok || price <= 0 {
			logger.Warnf("reconcile: 跳过 %s: 没有可用报价", id)
			skipped = append(skipped, SkippedOrder{InstrumentID: id, Sleeve: sleeve, Reason: "no_quote"})
			continue
		}
		unit := spec.UnitValue(price)
		if unit <= 0 {
			logger.Warnf("reconcile: 跳过 %s: 合约单位价值异常 (%.4f)", id, unit)
			skipped = append(skipped, SkippedOrder{InstrumentID: id, Sleeve: sleeve, Reason: "bad_spec"})
			continue
		}

		targetQty := spec.RoundToLot(weight * nav / unit)
		delta := spec.RoundToLot(targetQty - current)
		if delta == 0 {
			continue
		}
		if notional := math.Abs(delta) * unit; notional < r.cfg.MinNotional {
			logger.Infof("reconcile: 压掉 %s 的差额 %.4f (名义 %.2f < %.2f)", id, delta, notional, r.cfg.MinNotional)
			skipped = append(skipped, SkippedOrder{
				InstrumentID: id, Sleeve: sleeve, Side: sideOf(delta),
				Quantity: math.Abs(delta), Reason: "min_notional",
			})
			continue
		}

		side := sideOf(delta)
		po := plannedOrder{
			order: venue.Order{
				ClientOrderID: uuid.NewString(),
				InstrumentID:  id,
				Symbol:        spec.Symbol,
				Side:          side,
				Quantity:      math.Abs(delta),
				LimitPrice:    limitPrice(spec, price, side, r.cfg.SlippageBps),
				TimeInForce:   "day",
				SleeveTag:     sleeve,
			},
			spec:  spec,
			delta: delta,
		}
		if side == venue.SideSell {
			sells = append(sells, po)
		} else {
			buys = append(buys, po)
		}
	}
	return sells, buys, skipped
}

func sideOf(delta float64) venue.Side {
	if delta < 0 {
		return venue.SideSell
	}
	return venue.SideBuy
}

// limitPrice 在不利方向加滑点缓冲再贴 tick：买单向上取整，卖单向下，
// 换成交概率的同时锁死最差成交价。
func limitPrice(spec instrument.Spec, mid float64, side venue.Side, bps float64) float64 {
	buffer := mid * bps / 10000
	if side == venue.SideBuy {
		return spec.RoundPriceToTick(mid+buffer, true)
	}
	return spec.RoundPriceToTick(mid-buffer, false)
}
