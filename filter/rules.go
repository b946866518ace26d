package filter

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PercentBand 对称价格带：允许区间 [last*Down, last*Up]
type PercentBand struct {
	Up   decimal.Decimal
	Down decimal.Decimal
}

// SideBand 分方向价格带，买单使用 Ask 乘数，卖单使用 Bid 乘数
type SideBand struct {
	BidUp   decimal.Decimal
	BidDown decimal.Decimal
	AskUp   decimal.Decimal
	AskDown decimal.Decimal
}

// Rules 交易对交易规则，构建后只读
// 零值的 tick/step 表示不做取整，零值的上下限表示该方向不设限
type Rules struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string

	PriceTick decimal.Decimal
	PriceMin  decimal.Decimal
	PriceMax  decimal.Decimal

	QtyStep decimal.Decimal
	QtyMin  decimal.Decimal
	QtyMax  decimal.Decimal

	MinNotional decimal.Decimal

	Band     *PercentBand
	SideBand *SideBand
}

// bandFor 返回指定方向适用的价格带乘数
func (r *Rules) bandFor(side Side) (up, down decimal.Decimal, ok bool) {
	if r.SideBand != nil {
		if side == SideBuy {
			return r.SideBand.AskUp, r.SideBand.AskDown, true
		}
		return r.SideBand.BidUp, r.SideBand.BidDown, true
	}
	if r.Band != nil {
		return r.Band.Up, r.Band.Down, true
	}
	return decimal.Zero, decimal.Zero, false
}

// PricePrecision 价格小数位数（由 tick 推导）
func (r *Rules) PricePrecision() int32 {
	return precisionOf(r.PriceTick)
}

// QtyPrecision 数量小数位数（由 step 推导）
func (r *Rules) QtyPrecision() int32 {
	return precisionOf(r.QtyStep)
}

func precisionOf(step decimal.Decimal) int32 {
	if !step.IsPositive() {
		return 8
	}
	s := step.String()
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return int32(len(s) - idx - 1)
}
