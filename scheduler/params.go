package scheduler

import (
	"strings"
	"time"

	"quantguard/config"
	"quantguard/exchange"
)

// Params 调度参数，部分字段支持热更新
type Params struct {
	QuoteAsset       string
	Symbols          []string
	FilterBases      []string
	VolumeThreshold  float64
	Timeframe        string
	Limit            int
	PositionSizePct  float64
	BatchSize        int
	DryRun           bool
	OrderType        exchange.OrderType
	Strategy         config.StrategyConfig
	CycleInterval    time.Duration
	RecoveryInterval time.Duration
	MarketsTTL       time.Duration
	OHLCVTTL         time.Duration
}

// ParamsFromConfig 从配置构建调度参数
func ParamsFromConfig(cfg *config.Config) Params {
	orderType := exchange.OrderTypeMarket
	if strings.EqualFold(cfg.Trading.OrderType, config.OrderTypeLimit) {
		orderType = exchange.OrderTypeLimit
	}
	return Params{
		QuoteAsset:       strings.ToUpper(cfg.Trading.QuoteAsset),
		Symbols:          upperAll(cfg.Trading.Symbols),
		FilterBases:      upperAll(cfg.Trading.FilterBases),
		VolumeThreshold:  cfg.Trading.VolumeThreshold,
		Timeframe:        cfg.Trading.Timeframe,
		Limit:            cfg.Trading.Limit,
		PositionSizePct:  cfg.Trading.PositionSizePct,
		BatchSize:        cfg.Trading.BatchSize,
		DryRun:           cfg.Trading.DryRun,
		OrderType:        orderType,
		Strategy:         cfg.Strategy,
		CycleInterval:    cfg.CycleInterval(),
		RecoveryInterval: cfg.RecoveryInterval(),
		MarketsTTL:       time.Duration(cfg.Cache.MarketsTTLSeconds) * time.Second,
		OHLCVTTL:         time.Duration(cfg.Cache.OHLCVTTLSeconds) * time.Second,
	}
}

func upperAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
