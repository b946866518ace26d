package filter

import (
	"github.com/shopspring/decimal"
)

// SizeQuantity 计算期望下单数量
// 目标名义价值为 max(报价资产余额 * 仓位比例, 最小名义价值)；当目标被最小名义价值抬高时
// 数量向上取整到 step，避免取整后名义价值跌破下限
func SizeQuantity(r *Rules, quoteBalance, positionSizePct, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	target := quoteBalance.Mul(positionSizePct)
	if target.GreaterThanOrEqual(r.MinNotional) {
		return target.Div(price)
	}
	return ceilToStep(r.MinNotional.Div(price), r.QtyStep)
}

// CloseQty 平仓可卖数量：向下取整到 step，不会向上抬到 QtyMin
// 低于 QtyMin 的零头无法卖出，返回 ErrOutOfBounds
func CloseQty(r *Rules, available decimal.Decimal) (decimal.Decimal, error) {
	qty := floorToStep(available, r.QtyStep)
	if !qty.IsPositive() || (r.QtyMin.IsPositive() && qty.LessThan(r.QtyMin)) {
		return decimal.Zero, reject(ErrOutOfBounds, r.Symbol, "close qty %s below min %s", available, r.QtyMin)
	}
	return qty, nil
}
