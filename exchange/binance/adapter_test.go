package binance

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"quantguard/gate"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

func TestNewAdapter(t *testing.T) {
	adapter, err := NewAdapter(Config{APIKey: "test_api_key", SecretKey: "test_secret_key"})
	if err != nil {
		t.Fatalf("创建适配器失败: %v", err)
	}
	if adapter.Name() != "binance" {
		t.Errorf("交易所名称错误: 期望 binance, 得到 %s", adapter.Name())
	}
}

func TestParseRules(t *testing.T) {
	filters := []map[string]interface{}{
		{"filterType": "PRICE_FILTER", "minPrice": "0.01000000", "maxPrice": "1000000.00000000", "tickSize": "0.01000000"},
		{"filterType": "LOT_SIZE", "minQty": "0.00001000", "maxQty": "9000.00000000", "stepSize": "0.00001000"},
		{"filterType": "NOTIONAL", "minNotional": "5.00000000", "applyMinToMarket": true, "maxNotional": "9000000.00000000"},
		{"filterType": "PERCENT_PRICE_BY_SIDE", "bidMultiplierUp": "5", "bidMultiplierDown": "0.2", "askMultiplierUp": "5", "askMultiplierDown": 0.2, "avgPriceMins": 5},
		{"filterType": "ICEBERG_PARTS", "limit": 10},
	}

	r := parseRules("BTCUSDT", filters)

	checks := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"tickSize", r.PriceTick, "0.01"},
		{"minPrice", r.PriceMin, "0.01"},
		{"maxPrice", r.PriceMax, "1000000"},
		{"stepSize", r.QtyStep, "0.00001"},
		{"minQty", r.QtyMin, "0.00001"},
		{"maxQty", r.QtyMax, "9000"},
		{"minNotional", r.MinNotional, "5"},
	}
	for _, c := range checks {
		if !c.got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("%s 错误: 期望 %s, 得到 %s", c.name, c.want, c.got)
		}
	}

	if r.SideBand == nil {
		t.Fatal("应解析分方向价格带")
	}
	if !r.SideBand.AskDown.Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("数字类型字段解析错误: %s", r.SideBand.AskDown)
	}
	if r.Band != nil {
		t.Error("未提供 PERCENT_PRICE 时不应有对称价格带")
	}
	if p := r.PricePrecision(); p != 2 {
		t.Errorf("价格精度错误: %d", p)
	}
	if p := r.QtyPrecision(); p != 5 {
		t.Errorf("数量精度错误: %d", p)
	}
}

func TestParseRulesLegacyMinNotional(t *testing.T) {
	r := parseRules("ETHBTC", []map[string]interface{}{
		{"filterType": "MIN_NOTIONAL", "minNotional": "0.00010000"},
		{"filterType": "PERCENT_PRICE", "multiplierUp": "1.1", "multiplierDown": "0.9"},
	})
	if !r.MinNotional.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("minNotional 错误: %s", r.MinNotional)
	}
	if r.Band == nil || !r.Band.Up.Equal(decimal.RequireFromString("1.1")) {
		t.Errorf("对称价格带错误: %+v", r.Band)
	}
}

func TestParseBanTime(t *testing.T) {
	until, ok := parseBanTime("Way too much request weight used; IP banned until 1767288777555. Please use WebSocket Streams")
	if !ok {
		t.Fatal("应解析出封禁时间")
	}
	if until.UnixMilli() != 1767288777555 {
		t.Errorf("封禁时间错误: %v", until)
	}

	if _, ok := parseBanTime("Too much request weight used"); ok {
		t.Error("无封禁时间的消息不应解析成功")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want gate.Class
	}{
		{"限流", &common.APIError{Code: -1003, Message: "Too much request weight used; current limit is 6000 request weight per 1 MINUTE."}, gate.ClassRateLimited},
		{"封禁", &common.APIError{Code: -1003, Message: "Way too much request weight used; IP banned until 1767288777555."}, gate.ClassBanned},
		{"下单过频", &common.APIError{Code: -1015, Message: "Too many new orders."}, gate.ClassRateLimited},
		{"服务超时", &common.APIError{Code: -1007, Message: "Timeout waiting for response from backend server."}, gate.ClassTransient},
		{"时间戳", &common.APIError{Code: -1021, Message: "Timestamp for this request is outside of the recvWindow."}, gate.ClassTransient},
		{"无效交易对", &common.APIError{Code: -1121, Message: "Invalid symbol."}, gate.ClassPermanent},
		{"余额不足", &common.APIError{Code: -2010, Message: "Account has insufficient balance for requested action."}, gate.ClassPermanent},
		{"包装后的 API 错误", fmt.Errorf("wrap: %w", &common.APIError{Code: -2015, Message: "Invalid API-key"}), gate.ClassPermanent},
		{"非 JSON 的 418", errors.New("<html>418 I'm a teapot</html>"), gate.ClassBanned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gate.Classify(classifyError(tt.err))
			if got.Class != tt.want {
				t.Errorf("期望 %s, 得到 %s", tt.want, got.Class)
			}
		})
	}
}

func TestClassifyBanUntil(t *testing.T) {
	err := classifyError(&common.APIError{Code: -1003, Message: "IP banned until 1767288777555"})
	ce := gate.Classify(err)
	if ce.Class != gate.ClassBanned {
		t.Fatalf("期望封禁, 得到 %s", ce.Class)
	}
	if !ce.BannedUntil.Equal(time.UnixMilli(1767288777555).UTC()) {
		t.Errorf("解封时间错误: %v", ce.BannedUntil)
	}
}

func TestAveragePrice(t *testing.T) {
	d := decimal.RequireFromString

	if got := averagePrice(d("0.2"), d("20.002"), nil, d("1")); !got.Equal(d("100.01")) {
		t.Errorf("累计成交额均价错误: %s", got)
	}

	fills := []*binance.Fill{
		{Price: "100", Quantity: "0.1"},
		{Price: "102", Quantity: "0.1"},
	}
	if got := averagePrice(decimal.Zero, decimal.Zero, fills, d("1")); !got.Equal(d("101")) {
		t.Errorf("fills 加权均价错误: %s", got)
	}

	if got := averagePrice(decimal.Zero, decimal.Zero, nil, d("99.5")); !got.Equal(d("99.5")) {
		t.Errorf("回退委托价错误: %s", got)
	}
}

func TestNetOfBaseCommission(t *testing.T) {
	d := decimal.RequireFromString

	tests := []struct {
		name  string
		fills []*binance.Fill
		base  string
		want  string
	}{
		{"base 资产扣费", []*binance.Fill{
			{Quantity: "0.1", Commission: "0.0001", CommissionAsset: "BTC"},
			{Quantity: "0.1", Commission: "0.0001", CommissionAsset: "BTC"},
		}, "BTC", "0.1998"},
		{"BNB 抵扣手续费", []*binance.Fill{{Quantity: "0.2", Commission: "0.00005", CommissionAsset: "BNB"}}, "BTC", "0.2"},
		{"未加载交易对时按前缀判断", []*binance.Fill{{Quantity: "0.2", Commission: "0.0002", CommissionAsset: "BTC"}}, "", "0.1998"},
		{"没有成交明细", nil, "BTC", "0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := netOfBaseCommission(d("0.2"), tt.fills, "BTCUSDT", tt.base); !got.Equal(d(tt.want)) {
				t.Errorf("到账数量 = %s, 期望 %s", got, tt.want)
			}
		})
	}
}
