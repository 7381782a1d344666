package venue

import "context"

// Venue 是执行场所的统一抽象：券商网关、模拟盘都实现它。
// 调仓器只通过这组方法触达市场，不关心背后是哪家经纪商。
type Venue interface {
	Name() string

	// GetPositions 返回账户当前全部持仓，调仓运行开始时整体替换本地簿记。
	GetPositions(ctx context.Context) ([]Position, error)

	// GetAccount 返回现金余额，参与 NAV 计算。
	GetAccount(ctx context.Context) (Account, error)

	GetQuote(ctx context.Context, symbol string) (Quote, error)

	SubmitOrder(ctx context.Context, order Order) (OrderStatus, error)

	// GetOrderStatus 查询订单最新状态，SELL 档的成交确认靠它轮询。
	GetOrderStatus(ctx context.Context, venueOrderID string) (OrderStatus, error)

	CancelOrder(ctx context.Context, venueOrderID string) error
}
