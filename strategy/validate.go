package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"quantguard/exchange"
)

// 行情质量门槛
const (
	MinCandleCount      = 50
	maxCloseVariation   = 0.1   // 最近10根收盘价的变异系数上限
	maxTimeGapStdDevSec = 300.0 // K线时间间隔标准差上限（秒）
)

// ValidateMarketData 过滤数据不足、价格剧烈波动或时间序列不连续的K线
func ValidateMarketData(candles []exchange.Candle) error {
	if len(candles) < MinCandleCount {
		return fmt.Errorf("K线数量不足: %d < %d", len(candles), MinCandleCount)
	}

	recent := candles[len(candles)-10:]
	closes := make([]float64, len(recent))
	for i, c := range recent {
		closes[i] = c.Close
	}
	mean, std := meanStd(closes)
	if mean <= 0 {
		return fmt.Errorf("收盘价无效: mean=%v", mean)
	}
	if cv := std / mean; cv > maxCloseVariation {
		return fmt.Errorf("价格波动异常: std/mean=%.4f", cv)
	}

	deltas := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		deltas = append(deltas, candles[i].OpenTime.Sub(candles[i-1].OpenTime).Seconds())
	}
	if _, gapStd := meanStd(deltas); gapStd > maxTimeGapStdDevSec {
		return fmt.Errorf("K线时间间隔不连续: std=%.0fs", gapStd)
	}
	return nil
}

// 整段序列的均值和总体标准差
func meanStd(values []float64) (float64, float64) {
	n := len(values)
	if n < 2 {
		if n == 1 {
			return values[0], 0
		}
		return 0, 0
	}
	return last(talib.Sma(values, n)), last(talib.StdDev(values, n, 1))
}
