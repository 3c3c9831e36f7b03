package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus 为交易场所归一化后的订单状态。
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Final 订单是否已不会再变化。
func (s OrderStatus) Final() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// OrderSpec 描述一笔市价单，QuoteAmount 为计价资产金额。
type OrderSpec struct {
	Symbol      string
	Side        Side
	QuoteAmount decimal.Decimal
	Slippage    decimal.Decimal
}

// Order 为下单或查询后的归一化结果，FilledSize 以基础资产计。
type Order struct {
	ID         string
	ClientID   string
	Status     OrderStatus
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
	UpdatedAt  time.Time
}

// Venue 为交易场所适配接口。
type Venue interface {
	Name() string
	PlaceOrder(ctx context.Context, spec OrderSpec, idempotencyKey string) (Order, error)
	GetOrderStatus(ctx context.Context, orderID, symbol string) (Order, error)
	// LookupOrder 按幂等键查询此前提交的订单，found=false 表示提供方确认不存在。
	LookupOrder(ctx context.Context, idempotencyKey, symbol string) (Order, bool, error)
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// MarketData 提供价格查询。
type MarketData interface {
	Name() string
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// QuoteRequest 为一次跨链报价请求。
type QuoteRequest struct {
	FromChain string
	ToChain   string
	FromAsset string
	ToAsset   string
	Amount    decimal.Decimal
	Recipient string
	Slippage  decimal.Decimal
}

// Quote 为提供方给出的路由报价，Fee 以目标资产计。
type Quote struct {
	Provider    string          `json:"provider"`
	RouteID     string          `json:"route_id"`
	FromChain   string          `json:"from_chain"`
	ToChain     string          `json:"to_chain"`
	FromAsset   string          `json:"from_asset"`
	ToAsset     string          `json:"to_asset"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	ExpectedOut decimal.Decimal `json:"expected_out"`
	Fee         decimal.Decimal `json:"fee"`
	Steps       []string        `json:"steps"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired 报价在 now 时是否已过期。
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// NetOutput 扣除费用后的预期到账数量。
func (q Quote) NetOutput() decimal.Decimal {
	return q.ExpectedOut.Sub(q.Fee)
}

// StepState 为单个跨链步骤的状态。
type StepState string

const (
	StepPending   StepState = "pending"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
)

// Terminal 步骤是否已终结。
func (s StepState) Terminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// StepResult 为提交某一步后的结果。
type StepResult struct {
	Ref    string    `json:"ref"`
	State  StepState `json:"state"`
	TxHash string    `json:"tx_hash"`
}

// StepStatus 为轮询步骤得到的状态。
type StepStatus struct {
	Ref     string    `json:"ref"`
	State   StepState `json:"state"`
	TxHash  string    `json:"tx_hash"`
	Message string    `json:"message"`
}

// Router 为跨链路由/桥适配接口。
type Router interface {
	Name() string
	GetQuote(ctx context.Context, req QuoteRequest) (Quote, error)
	ExecuteStep(ctx context.Context, quote Quote, stepIndex int) (StepResult, error)
	GetStepStatus(ctx context.Context, stepRef string) (StepStatus, error)
}
