package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"quantguard/exchange"
	"quantguard/filter"
	"quantguard/logger"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// Config 币安现货配置
type Config struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// Adapter 币安现货适配器
type Adapter struct {
	client     *binance.Client
	useTestnet bool

	mu      sync.RWMutex
	markets map[string]exchange.Market

	timeSyncMu   sync.Mutex
	lastTimeSync time.Time
}

// NewAdapter 创建币安现货适配器（不发起网络请求）
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.Testnet {
		logger.Info("🌐 [Binance] 使用测试网模式")
	}
	// 测试网开关必须在创建客户端之前设置
	binance.UseTestnet = cfg.Testnet

	return &Adapter{
		client:     binance.NewClient(cfg.APIKey, cfg.SecretKey),
		useTestnet: cfg.Testnet,
	}, nil
}

// Name 交易所名称
func (b *Adapter) Name() string {
	return "binance"
}

// SyncTime 同步服务器时间，避免 -1021 时间戳错误
func (b *Adapter) SyncTime(ctx context.Context) error {
	b.timeSyncMu.Lock()
	defer b.timeSyncMu.Unlock()

	offset, err := b.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return b.mapError(ctx, err)
	}
	b.lastTimeSync = time.Now()
	logger.Debug("🕒 [Binance] 服务器时间已同步, 偏移 %dms", offset)
	return nil
}

// FetchMarkets 获取全部交易对规则及 24h 成交额
func (b *Adapter) FetchMarkets(ctx context.Context) ([]exchange.Market, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, b.mapError(ctx, err)
	}

	volumes := make(map[string]decimal.Decimal)
	stats, err := b.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		// 成交额只用于筛选交易对，失败时降级为零
		logger.Warn("⚠️ [Binance] 获取24h行情失败，成交额按0处理: %v", err)
	} else {
		for _, s := range stats {
			volumes[s.Symbol] = parseDecimal(s.QuoteVolume)
		}
	}

	markets := make([]exchange.Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		rules := parseRules(s.Symbol, s.Filters)
		rules.BaseAsset = s.BaseAsset
		rules.QuoteAsset = s.QuoteAsset
		markets = append(markets, exchange.Market{
			Symbol:      s.Symbol,
			Base:        s.BaseAsset,
			Quote:       s.QuoteAsset,
			Trading:     string(s.Status) == "TRADING",
			QuoteVolume: volumes[s.Symbol],
			Rules:       rules,
		})
	}

	b.mu.Lock()
	b.markets = make(map[string]exchange.Market, len(markets))
	for _, m := range markets {
		b.markets[m.Symbol] = m
	}
	b.mu.Unlock()

	logger.Info("ℹ️ [Binance] 已加载 %d 个交易对规则", len(markets))
	return markets, nil
}

// LoadMarkets 返回最近一次 FetchMarkets 的结果，从未加载时先拉取
// 需要最新交易规则的调用方应使用 FetchMarkets
func (b *Adapter) LoadMarkets(ctx context.Context) (map[string]exchange.Market, error) {
	b.mu.RLock()
	loaded := b.markets
	b.mu.RUnlock()
	if loaded != nil {
		return loaded, nil
	}

	if _, err := b.FetchMarkets(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.markets, nil
}

// FetchOHLCV 获取K线
func (b *Adapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, b.mapError(ctx, err)
	}

	candles := make([]exchange.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, exchange.Candle{
			OpenTime: time.UnixMilli(k.OpenTime).UTC(),
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
		})
	}
	return candles, nil
}

// FetchBalance 获取现货账户余额
func (b *Adapter) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return exchange.Balance{}, b.mapError(ctx, err)
	}

	bal := exchange.Balance{
		Free:  make(map[string]decimal.Decimal, len(account.Balances)),
		Total: make(map[string]decimal.Decimal, len(account.Balances)),
	}
	for _, a := range account.Balances {
		free := parseDecimal(a.Free)
		locked := parseDecimal(a.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		asset := strings.ToUpper(a.Asset)
		bal.Free[asset] = free
		bal.Total[asset] = free.Add(locked)
	}
	return bal, nil
}

// FetchTicker 获取最新成交价
func (b *Adapter) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return exchange.Ticker{}, b.mapError(ctx, err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return exchange.Ticker{Symbol: symbol, Last: parseDecimal(p.Price), Time: time.Now().UTC()}, nil
		}
	}
	return exchange.Ticker{}, fmt.Errorf("未找到交易对 %s 的价格", symbol)
}

// CreateOrder 下单；LIMIT 单使用 IOC，保证返回时成交结果已确定
func (b *Adapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Fill, error) {
	if !req.Qty.IsPositive() {
		return exchange.Fill{}, fmt.Errorf("无效的下单数量: %s", req.Qty)
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		Quantity(req.Qty.StringFixed(req.QtyPrecision)).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.Type == exchange.OrderTypeLimit {
		if !req.Price.IsPositive() {
			return exchange.Fill{}, fmt.Errorf("无效的下单价格: %s", req.Price)
		}
		svc = svc.TimeInForce(binance.TimeInForceTypeIOC).Price(req.Price.StringFixed(req.PricePrecision))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return exchange.Fill{}, b.mapError(ctx, err)
	}

	fill := exchange.Fill{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          req.Side,
		Status:        string(resp.Status),
		ExecutedQty:   parseDecimal(resp.ExecutedQuantity),
		QuoteQty:      parseDecimal(resp.CummulativeQuoteQuantity),
		Time:          time.UnixMilli(resp.TransactTime).UTC(),
	}
	fill.AvgPrice = averagePrice(fill.ExecutedQty, fill.QuoteQty, resp.Fills, req.Price)
	if req.Side == filter.SideBuy {
		// 买入手续费从 base 资产扣除时，实际到账数量小于成交量
		fill.ExecutedQty = netOfBaseCommission(fill.ExecutedQty, resp.Fills, req.Symbol, b.baseAsset(req.Symbol))
	}

	logger.Info("✅ [Binance] 下单成功 %s %s 数量:%s 成交:%s 均价:%s 状态:%s",
		req.Symbol, req.Side, req.Qty, fill.ExecutedQty, fill.AvgPrice, fill.Status)
	return fill, nil
}

// averagePrice 成交均价：优先 累计成交额/成交量，其次按 fills 加权，最后回退到委托价
func averagePrice(executed, quote decimal.Decimal, fills []*binance.Fill, fallback decimal.Decimal) decimal.Decimal {
	if executed.IsPositive() && quote.IsPositive() {
		return quote.Div(executed)
	}
	var qty, notional decimal.Decimal
	for _, f := range fills {
		q := parseDecimal(f.Quantity)
		qty = qty.Add(q)
		notional = notional.Add(q.Mul(parseDecimal(f.Price)))
	}
	if qty.IsPositive() {
		return notional.Div(qty)
	}
	return fallback
}

// netOfBaseCommission 扣除以 base 资产收取的手续费；base 未知时按交易对前缀判断
func netOfBaseCommission(executed decimal.Decimal, fills []*binance.Fill, symbol, base string) decimal.Decimal {
	net := executed
	for _, f := range fills {
		asset := strings.ToUpper(f.CommissionAsset)
		if asset == "" {
			continue
		}
		if asset == base || (base == "" && strings.HasPrefix(symbol, asset)) {
			net = net.Sub(parseDecimal(f.Commission))
		}
	}
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

func (b *Adapter) baseAsset(symbol string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if m, ok := b.markets[symbol]; ok {
		return m.Base
	}
	return ""
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

var _ exchange.Exchange = (*Adapter)(nil)
