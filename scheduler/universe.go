package scheduler

import (
	"context"
	"sort"

	"quantguard/exchange"
	"quantguard/gate"
	"quantguard/logger"

	"github.com/shopspring/decimal"
)

const marketsCacheKey = "markets"

// loadMarkets 交易对元数据，经过 TTL 缓存；过期后重新拉取，交易规则变更在下一次加载时生效
func (s *Scheduler) loadMarkets(ctx context.Context) (map[string]exchange.Market, error) {
	return s.markets.GetOrLoad(ctx, marketsCacheKey, func(ctx context.Context) (map[string]exchange.Market, error) {
		list, err := gate.Call(ctx, s.gate, "fetch_markets", s.ex.FetchMarkets)
		if err != nil {
			return nil, err
		}
		markets := make(map[string]exchange.Market, len(list))
		for _, m := range list {
			markets[m.Symbol] = m
		}
		return markets, nil
	})
}

// universe 本周期要扫描的交易对
// 显式配置的交易对优先；否则按 filter_bases、交易状态和成交额筛选
func (s *Scheduler) universe(ctx context.Context, p Params) ([]string, map[string]exchange.Market, error) {
	markets, err := s.loadMarkets(ctx)
	if err != nil {
		return nil, nil, err
	}

	var symbols []string
	if len(p.Symbols) > 0 {
		for _, sym := range p.Symbols {
			m, ok := markets[sym]
			if !ok {
				logger.Warn("⚠️ [Scheduler] 交易对 %s 不存在，忽略", sym)
				continue
			}
			if !m.Trading {
				logger.Debug("[Scheduler] 交易对 %s 未处于交易状态", sym)
				continue
			}
			symbols = append(symbols, sym)
		}
		return symbols, markets, nil
	}

	bases := make(map[string]bool, len(p.FilterBases))
	for _, b := range p.FilterBases {
		bases[b] = true
	}
	threshold := decimal.NewFromFloat(p.VolumeThreshold)
	for sym, m := range markets {
		if !m.Trading || m.Quote != p.QuoteAsset {
			continue
		}
		if !bases[m.Base] && !bases[m.Quote] {
			continue
		}
		if !m.QuoteVolume.GreaterThan(threshold) {
			continue
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols, markets, nil
}
