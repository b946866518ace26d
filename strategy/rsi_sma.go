package strategy

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"quantguard/config"
	"quantguard/exchange"
)

// RSISMA RSI 超买超卖 + 均线方向过滤
type RSISMA struct {
	params config.StrategyConfig
}

// NewRSISMA 创建策略
func NewRSISMA(params config.StrategyConfig) *RSISMA {
	return &RSISMA{params: params}
}

func (s *RSISMA) Name() string {
	return "rsi_sma"
}

func (s *RSISMA) MinCandles() int {
	n := s.params.SMALong
	if s.params.RSIPeriod+1 > n {
		n = s.params.RSIPeriod + 1
	}
	return n
}

// GenerateSignal RSI < rsi_buy 且短均线在长均线上方时买入，反之卖出
func (s *RSISMA) GenerateSignal(candles []exchange.Candle, sc SymbolContext) Signal {
	if len(candles) < s.MinCandles() {
		return Hold(fmt.Sprintf("K线不足 %d/%d", len(candles), s.MinCandles()))
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	rsi := last(talib.Rsi(closes, s.params.RSIPeriod))
	smaShort := last(talib.Sma(closes, s.params.SMAShort))
	smaLong := last(talib.Sma(closes, s.params.SMALong))
	if math.IsNaN(rsi) || math.IsNaN(smaShort) || math.IsNaN(smaLong) {
		return Hold("指标无效")
	}

	p := s.params
	var sig Signal
	switch {
	case rsi < p.RSIBuy && smaShort > smaLong:
		sig = Signal{
			Action:     ActionBuy,
			Confidence: math.Min(0.9, (p.RSIBuy-rsi)/p.RSIBuy*0.5+0.4),
		}
	case rsi > p.RSISell && smaShort < smaLong:
		sig = Signal{
			Action:     ActionSell,
			Confidence: math.Min(0.9, (rsi-p.RSISell)/(100-p.RSISell)*0.5+0.4),
		}
	default:
		sig = Hold("")
	}
	sig.Reason = fmt.Sprintf("RSI=%.2f SMA%d=%.6g SMA%d=%.6g", rsi, p.SMAShort, smaShort, p.SMALong, smaLong)

	if sig.Action != ActionHold && sig.Confidence < p.MinConfidence {
		return Hold(fmt.Sprintf("置信度 %.2f 低于 %.2f (%s)", sig.Confidence, p.MinConfidence, sig.Reason))
	}
	return sig
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}
