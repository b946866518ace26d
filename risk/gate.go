package risk

import (
	"fmt"
	"sync"

	"quantguard/ledger"

	"github.com/shopspring/decimal"
)

// Reason 风控判定原因
type Reason string

const (
	ReasonDisabled          Reason = "disabled"
	ReasonWithinLimit       Reason = "within_limit"
	ReasonNonPositiveEquity Reason = "non_positive_equity"
	ReasonDailyLossLimit    Reason = "daily_loss_limit"
)

// Decision 单次风控判定结果
type Decision struct {
	Allowed  bool
	Reason   Reason
	Equity   decimal.Decimal
	Realized decimal.Decimal
	Ratio    decimal.Decimal // realized / equity，无法计算时为零
	Limit    decimal.Decimal
	Date     string
}

func (d Decision) String() string {
	return fmt.Sprintf("allowed=%v reason=%s realized=%s equity=%s ratio=%s limit=%s",
		d.Allowed, d.Reason, d.Realized, d.Equity, d.Ratio.StringFixed(4), d.Limit)
}

// DailyReader 当日已实现盈亏来源
type DailyReader interface {
	Daily() ledger.Daily
}

// Gate 日内亏损熔断：每个周期重新计算，无滞回
type Gate struct {
	store DailyReader

	mu    sync.RWMutex
	limit decimal.Decimal
}

// NewGate 创建风控闸门，limitPct 为 0 时关闭熔断
func NewGate(store DailyReader, limitPct float64) *Gate {
	g := &Gate{store: store}
	g.SetLimit(limitPct)
	return g
}

// SetLimit 更新日内亏损上限（支持热更新）
func (g *Gate) SetLimit(limitPct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limitPct < 0 {
		limitPct = -limitPct
	}
	g.limit = decimal.NewFromFloat(limitPct)
}

// Limit 当前日内亏损上限
func (g *Gate) Limit() decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limit
}

// AllowTrading 判断当前是否允许开新单
// 权益非正时无法评估，按熔断处理；realized/equity <= -limit 时熔断（含边界）
func (g *Gate) AllowTrading(equity decimal.Decimal) (bool, Decision) {
	limit := g.Limit()
	daily := g.store.Daily()

	dec := Decision{
		Equity:   equity,
		Realized: daily.RealizedPnlQuote,
		Limit:    limit,
		Date:     daily.Date,
	}

	if limit.IsZero() {
		dec.Allowed, dec.Reason = true, ReasonDisabled
		return true, dec
	}
	if !equity.IsPositive() {
		dec.Allowed, dec.Reason = false, ReasonNonPositiveEquity
		return false, dec
	}

	dec.Ratio = daily.RealizedPnlQuote.Div(equity)
	if dec.Ratio.LessThanOrEqual(limit.Neg()) {
		dec.Allowed, dec.Reason = false, ReasonDailyLossLimit
		return false, dec
	}

	dec.Allowed, dec.Reason = true, ReasonWithinLimit
	return true, dec
}
