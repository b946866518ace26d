package strategy

import (
	"github.com/shopspring/decimal"

	"quantguard/config"
)

// ExitReason 平仓原因
type ExitReason string

const (
	ExitNone       ExitReason = ""
	ExitTakeProfit ExitReason = "take_profit"
	ExitStopLoss   ExitReason = "stop_loss"
)

// EvaluateExit 判断持仓是否触发止盈或止损
// 止盈始终相对开仓价；止损在 trailing_mode 下相对持仓期间最高价
func EvaluateExit(p config.StrategyConfig, entry, highWater, last decimal.Decimal) ExitReason {
	if !entry.IsPositive() || !last.IsPositive() {
		return ExitNone
	}

	change := last.Sub(entry).Div(entry)
	if p.TakeProfitPct > 0 && change.GreaterThanOrEqual(decimal.NewFromFloat(p.TakeProfitPct)) {
		return ExitTakeProfit
	}

	if p.TrailingStopPct <= 0 {
		return ExitNone
	}
	ref := entry
	if p.TrailingMode && highWater.GreaterThan(entry) {
		ref = highWater
	}
	drawdown := last.Sub(ref).Div(ref)
	if drawdown.LessThanOrEqual(decimal.NewFromFloat(-p.TrailingStopPct)) {
		return ExitStopLoss
	}
	return ExitNone
}
