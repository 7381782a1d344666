// Package venue defines a common abstraction for execution venues.
// The reconciler works against this interface so the same pipeline can run
// against a real brokerage gateway or the in-memory paper venue.
package venue

import (
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderState 是订单生命周期的封闭状态集。
type OrderState string

const (
	StatePending  OrderState = "pending"
	StateAccepted OrderState = "accepted"
	StateFilled   OrderState = "filled"
	StateRejected OrderState = "rejected"
	StateCanceled OrderState = "canceled"
)

// Terminal 报告状态是否终结（不会再有成交量变化）。
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateRejected, StateCanceled:
		return true
	default:
		return false
	}
}

// RejectKind 区分可重报价的拒单与直接放弃的拒单。
type RejectKind string

const (
	RejectNone  RejectKind = ""
	RejectPrice RejectKind = "price"
	RejectOther RejectKind = "other"
)

// ClassifyReject 从场所返回的拒单文案里识别价格类拒单。
func ClassifyReject(reason string) RejectKind {
	if strings.TrimSpace(reason) == "" {
		return RejectNone
	}
	lower := strings.ToLower(reason)
	for _, kw := range []string{"price", "tick", "band", "limit up", "limit down", "away from market"} {
		if strings.Contains(lower, kw) {
			return RejectPrice
		}
	}
	return RejectOther
}

// Order 是一次提交的不可变描述；改价重报必须换新的 ClientOrderID。
type Order struct {
	ClientOrderID string
	InstrumentID  string
	Symbol        string
	Side          Side
	Quantity      float64 // 恒为正，方向看 Side
	LimitPrice    float64
	TimeInForce   string // "day" 缺省
	SleeveTag     string
}

// OrderStatus 是场所对订单的最新认知。
type OrderStatus struct {
	VenueOrderID  string
	ClientOrderID string
	State         OrderState
	FilledQty     float64
	AvgFillPrice  float64
	Reason        string // 拒单或撤单原因
	RejectKind    RejectKind
	UpdatedAt     time.Time
}

// Position represents a holding reported by the venue.
// Quantity is signed: negative means short.
type Position struct {
	Symbol    string
	Quantity  float64
	AvgCost   float64
	Currency  string
	UpdatedAt time.Time
	Raw       map[string]any // 原始报文，排错用
}

// Account 只取调仓需要的现金视角。
type Account struct {
	Cash      float64
	Currency  string
	UpdatedAt time.Time
}

type Quote struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	UpdatedAt time.Time
}

// Mid 返回中间价；缺边时退回 Last。
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}
