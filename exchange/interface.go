package exchange

import (
	"context"
	"strings"
	"time"

	"quantguard/filter"

	"github.com/shopspring/decimal"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT" // IOC，提交后立即得到成交结果
)

// Market 交易对元数据，原始交易所结构只在适配器内解析一次
type Market struct {
	Symbol      string
	Base        string
	Quote       string
	Trading     bool
	QuoteVolume decimal.Decimal // 24h 计价资产成交额
	Rules       filter.Rules
}

// Candle K线
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Balance 账户余额
type Balance struct {
	Free  map[string]decimal.Decimal
	Total map[string]decimal.Decimal
}

// FreeOf 可用余额
func (b Balance) FreeOf(asset string) decimal.Decimal {
	return b.Free[strings.ToUpper(asset)]
}

// TotalOf 总余额（可用 + 冻结）
func (b Balance) TotalOf(asset string) decimal.Decimal {
	return b.Total[strings.ToUpper(asset)]
}

// Ticker 最新价
type Ticker struct {
	Symbol string
	Last   decimal.Decimal
	Time   time.Time
}

// OrderRequest 下单请求，价格和数量必须已经过规范化
type OrderRequest struct {
	Symbol         string
	Type           OrderType
	Side           filter.Side
	Qty            decimal.Decimal
	Price          decimal.Decimal
	QtyPrecision   int32
	PricePrecision int32
	ClientOrderID  string
}

// Fill 成交确认
type Fill struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          filter.Side
	Status        string
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	QuoteQty      decimal.Decimal
	Time          time.Time
	DryRun        bool
}

// Filled 是否有成交
func (f Fill) Filled() bool {
	return f.ExecutedQty.IsPositive()
}

// Exchange 交易所协作方，所有方法都可能失败、有延迟且受限流约束
// 实现方应把错误标注为 gate 包的分类（Transient/RateLimited/Banned/Permanent）
type Exchange interface {
	Name() string
	FetchMarkets(ctx context.Context) ([]Market, error)
	LoadMarkets(ctx context.Context) (map[string]Market, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	FetchBalance(ctx context.Context) (Balance, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	CreateOrder(ctx context.Context, req OrderRequest) (Fill, error)
}
