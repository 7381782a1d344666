// Package gateway implements the venue abstraction against a brokerage
// gateway REST API. Field names on order endpoints drift across gateway
// versions, so responses are picked apart with gjson instead of rigid structs.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ballast/internal/config"
	"ballast/internal/logger"
	"ballast/internal/venue"

	"github.com/tidwall/gjson"
)

const readAttempts = 3

// retryBackoff 首次重试等待，此后指数退避；测试可调小。
var retryBackoff = 2 * time.Second

// Gateway 通过券商网关执行调仓，实现 venue.Venue。
type Gateway struct {
	name   string
	client *Client
}

var _ venue.Venue = (*Gateway)(nil)

func New(cfg config.VenueConfig) (*Gateway, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "gateway"
	}
	return &Gateway{name: name, client: client}, nil
}

// NewWithClient 注入自定义 client，测试用。
func NewWithClient(name string, client *Client) *Gateway {
	if strings.TrimSpace(name) == "" {
		name = "gateway"
	}
	return &Gateway{name: name, client: client}
}

func (g *Gateway) Name() string { return g.name }

func (g *Gateway) GetPositions(ctx context.Context) ([]venue.Position, error) {
	var records []positionRecord
	err := g.withRetry(ctx, "positions", func() error {
		var err error
		records, err = g.client.fetchPositions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]venue.Position, 0, len(records))
	for _, rec := range records {
		if strings.TrimSpace(rec.Symbol) == "" {
			continue
		}
		out = append(out, venue.Position{
			Symbol:    strings.TrimSpace(rec.Symbol),
			Quantity:  float64(rec.Quantity),
			AvgCost:   float64(rec.AvgCost),
			Currency:  strings.ToUpper(strings.TrimSpace(rec.Currency)),
			UpdatedAt: unixOrNow(rec.UpdatedAt),
		})
	}
	return out, nil
}

func (g *Gateway) GetAccount(ctx context.Context) (venue.Account, error) {
	var rec accountRecord
	err := g.withRetry(ctx, "account", func() error {
		var err error
		rec, err = g.client.fetchAccount(ctx)
		return err
	})
	if err != nil {
		return venue.Account{}, err
	}
	return venue.Account{
		Cash:      float64(rec.Cash),
		Currency:  strings.ToUpper(strings.TrimSpace(rec.Currency)),
		UpdatedAt: unixOrNow(rec.UpdatedAt),
	}, nil
}

func (g *Gateway) GetQuote(ctx context.Context, symbol string) (venue.Quote, error) {
	var rec quoteRecord
	err := g.withRetry(ctx, "quote "+symbol, func() error {
		var err error
		rec, err = g.client.fetchQuote(ctx, symbol)
		return err
	})
	if err != nil {
		return venue.Quote{}, err
	}
	if rec.Last <= 0 && rec.Bid <= 0 && rec.Ask <= 0 {
		return venue.Quote{}, fmt.Errorf("gateway 返回空报价: %s", symbol)
	}
	return venue.Quote{
		Symbol:    rec.Symbol,
		Last:      float64(rec.Last),
		Bid:       float64(rec.Bid),
		Ask:       float64(rec.Ask),
		UpdatedAt: unixOrNow(rec.UpdatedAt),
	}, nil
}

// SubmitOrder 不做传输层重试：网关以 client_order_id 去重，
// 但重复提交的歧义留给对账层处理，这里宁可报错。
func (g *Gateway) SubmitOrder(ctx context.Context, order venue.Order) (venue.OrderStatus, error) {
	payload := orderPayload{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
		TimeInForce:   order.TimeInForce,
		Tag:           order.SleeveTag,
	}
	raw, err := g.client.submitOrder(ctx, payload)
	if err != nil {
		return venue.OrderStatus{}, err
	}
	status := parseOrderStatus(raw)
	if status.ClientOrderID == "" {
		status.ClientOrderID = order.ClientOrderID
	}
	return status, nil
}

func (g *Gateway) GetOrderStatus(ctx context.Context, venueOrderID string) (venue.OrderStatus, error) {
	var raw json.RawMessage
	err := g.withRetry(ctx, "order "+venueOrderID, func() error {
		var err error
		raw, err = g.client.fetchOrder(ctx, venueOrderID)
		return err
	})
	if err != nil {
		return venue.OrderStatus{}, err
	}
	return parseOrderStatus(raw), nil
}

func (g *Gateway) CancelOrder(ctx context.Context, venueOrderID string) error {
	return g.client.cancelOrder(ctx, venueOrderID)
}

// withRetry 对只读请求做有限次重试；重试耗尽后错误原样上抛，由运行层决定中止。
func (g *Gateway) withRetry(ctx context.Context, what string, fn func() error) error {
	var lastErr error
	backoff := retryBackoff
	for attempt := 1; attempt <= readAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt < readAttempts {
			logger.Warnf("gateway %s 第 %d 次失败，%s 后重试: %v", what, attempt, backoff, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("gateway %s 重试 %d 次后仍失败: %w", what, readAttempts, lastErr)
}

// parseOrderStatus 兼容多版本网关的字段命名。
func parseOrderStatus(raw []byte) venue.OrderStatus {
	if len(raw) == 0 {
		return venue.OrderStatus{State: venue.StatePending, UpdatedAt: time.Now()}
	}
	doc := gjson.ParseBytes(raw)
	pick := func(paths ...string) gjson.Result {
		for _, p := range paths {
			if v := doc.Get(p); v.Exists() {
				return v
			}
		}
		return gjson.Result{}
	}
	status := venue.OrderStatus{
		VenueOrderID:  pick("order_id", "id", "venue_order_id").String(),
		ClientOrderID: pick("client_order_id", "client_id").String(),
		FilledQty:     pick("filled_qty", "filled_quantity", "executed_qty").Float(),
		AvgFillPrice:  pick("avg_fill_price", "avg_price", "fill_price").Float(),
		Reason:        pick("reason", "reject_reason", "message").String(),
		UpdatedAt:     time.Now(),
	}
	if ts := pick("updated_at", "timestamp").Int(); ts > 0 {
		status.UpdatedAt = time.Unix(ts, 0)
	}
	status.State = mapOrderState(pick("status", "state", "order_status").String())
	if status.State == venue.StateRejected {
		status.RejectKind = venue.ClassifyReject(status.Reason)
		if status.RejectKind == venue.RejectNone {
			status.RejectKind = venue.RejectOther
		}
	}
	return status
}

func mapOrderState(raw string) venue.OrderState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new", "pending", "pending_new", "submitted":
		return venue.StatePending
	case "accepted", "open", "working", "live", "partially_filled", "partial":
		return venue.StateAccepted
	case "filled", "done", "executed", "closed":
		return venue.StateFilled
	case "rejected", "reject":
		return venue.StateRejected
	case "canceled", "cancelled", "expired":
		return venue.StateCanceled
	default:
		return venue.StatePending
	}
}

func unixOrNow(ts int64) time.Time {
	if ts > 0 {
		return time.Unix(ts, 0)
	}
	return time.Now()
}
