package strategy

import (
	"quantguard/exchange"
)

// Action 信号动作
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal 策略输出
type Signal struct {
	Action     Action
	Confidence float64
	Reason     string
}

// SymbolContext 生成信号时可用的交易对上下文
type SymbolContext struct {
	Symbol      string
	HasPosition bool
	LastPrice   float64
}

// Strategy 给定K线序列和上下文，给出买卖信号
type Strategy interface {
	Name() string
	// MinCandles 生成信号所需的最少K线数量
	MinCandles() int
	GenerateSignal(candles []exchange.Candle, sc SymbolContext) Signal
}

// Hold 观望信号
func Hold(reason string) Signal {
	return Signal{Action: ActionHold, Confidence: 0.5, Reason: reason}
}
