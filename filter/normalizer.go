package filter

import (
	"github.com/shopspring/decimal"
)

// Normalized 已对齐 tick/step 且落在上下限内的订单
type Normalized struct {
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Notional decimal.Decimal
}

// PriceString 按 tick 精度格式化价格
func (n Normalized) PriceString(r *Rules) string {
	return n.Price.StringFixed(r.PricePrecision())
}

// QtyString 按 step 精度格式化数量
func (n Normalized) QtyString(r *Rules) string {
	return n.Qty.StringFixed(r.QtyPrecision())
}

// Normalize 按交易所规则修正订单价格和数量
// 顺序固定：价格限幅 -> 价格向下取整 -> 数量限幅并向下取整 -> 价格带 -> 最小名义价值
func Normalize(r *Rules, side Side, lastPrice, desiredPrice, desiredQty decimal.Decimal) (Normalized, error) {
	price := clamp(desiredPrice, r.PriceMin, r.PriceMax)
	price = floorToStep(price, r.PriceTick)

	qty := clamp(desiredQty, r.QtyMin, r.QtyMax)
	qty = floorToStep(qty, r.QtyStep)

	if !price.IsPositive() {
		return Normalized{}, reject(ErrOutOfBounds, r.Symbol, "price %s <= 0 after rounding", price)
	}
	if !qty.IsPositive() {
		return Normalized{}, reject(ErrOutOfBounds, r.Symbol, "qty %s <= 0 after rounding", qty)
	}

	if up, down, ok := r.bandFor(side); ok {
		if !lastPrice.IsPositive() {
			return Normalized{}, reject(ErrPercentPriceViolation, r.Symbol, "no reference price for band check")
		}
		low := lastPrice.Mul(down)
		high := lastPrice.Mul(up)
		if price.LessThan(low) || (up.IsPositive() && price.GreaterThan(high)) {
			return Normalized{}, reject(ErrPercentPriceViolation, r.Symbol,
				"%s price %s outside [%s, %s]", side, price, low, high)
		}
	}

	notional := price.Mul(qty)
	if notional.LessThan(r.MinNotional) {
		return Normalized{}, reject(ErrMinNotionalViolation, r.Symbol,
			"notional %s < %s", notional, r.MinNotional)
	}

	return Normalized{Price: price, Qty: qty, Notional: notional}, nil
}

// clamp 将值限制在 [min, max]，零值边界视为不设限
func clamp(v, min, max decimal.Decimal) decimal.Decimal {
	if min.IsPositive() && v.LessThan(min) {
		v = min
	}
	if max.IsPositive() && v.GreaterThan(max) {
		v = max
	}
	return v
}

// floorToStep 向下取整到 step 的整数倍，step <= 0 时原样返回
func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// ceilToStep 向上取整到 step 的整数倍
func ceilToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}
