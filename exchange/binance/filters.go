package binance

import (
	"quantguard/filter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// parseRules 从 exchangeInfo 的原始 filters 解析交易规则
// 字段值可能是字符串（"0.01000000"）也可能是数字，统一经 cast 转换
func parseRules(symbol string, filters []map[string]interface{}) filter.Rules {
	r := filter.Rules{Symbol: symbol}

	for _, f := range filters {
		switch cast.ToString(f["filterType"]) {
		case "PRICE_FILTER":
			r.PriceTick = field(f, "tickSize")
			r.PriceMin = field(f, "minPrice")
			r.PriceMax = field(f, "maxPrice")
		case "LOT_SIZE":
			r.QtyStep = field(f, "stepSize")
			r.QtyMin = field(f, "minQty")
			r.QtyMax = field(f, "maxQty")
		case "MIN_NOTIONAL":
			r.MinNotional = maxDecimal(r.MinNotional, field(f, "minNotional"))
		case "NOTIONAL":
			r.MinNotional = maxDecimal(r.MinNotional, field(f, "minNotional"))
		case "PERCENT_PRICE":
			r.Band = &filter.PercentBand{
				Up:   field(f, "multiplierUp"),
				Down: field(f, "multiplierDown"),
			}
		case "PERCENT_PRICE_BY_SIDE":
			r.SideBand = &filter.SideBand{
				BidUp:   field(f, "bidMultiplierUp"),
				BidDown: field(f, "bidMultiplierDown"),
				AskUp:   field(f, "askMultiplierUp"),
				AskDown: field(f, "askMultiplierDown"),
			}
		}
	}
	return r
}

func field(f map[string]interface{}, key string) decimal.Decimal {
	s := cast.ToString(f[key])
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if b.GreaterThan(a) {
		return b
	}
	return a
}
