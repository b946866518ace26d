package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"quantguard/cache"
	"quantguard/logger"
	"quantguard/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BookTicker 最优买卖价
type BookTicker struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

// Mid 中间价
func (b BookTicker) Mid() decimal.Decimal {
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

type streamEnvelope struct {
	Stream string              `json:"stream"`
	Data   jsoniter.RawMessage `json:"data"`
}

type bookTickerPayload struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

// parseBookTicker 解析组合流消息，订阅回执等非行情消息返回 false
func parseBookTicker(msg []byte) (BookTicker, bool, error) {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return BookTicker{}, false, fmt.Errorf("解析消息失败: %w", err)
	}
	if !strings.HasSuffix(env.Stream, "@bookTicker") || len(env.Data) == 0 {
		return BookTicker{}, false, nil
	}

	var p bookTickerPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return BookTicker{}, false, fmt.Errorf("解析 bookTicker 失败: %w", err)
	}
	bid, err := decimal.NewFromString(p.Bid)
	if err != nil {
		return BookTicker{}, false, fmt.Errorf("bid 无效: %w", err)
	}
	ask, err := decimal.NewFromString(p.Ask)
	if err != nil {
		return BookTicker{}, false, fmt.Errorf("ask 无效: %w", err)
	}
	return BookTicker{Symbol: strings.ToUpper(p.Symbol), Bid: bid, Ask: ask}, true, nil
}

// BookTickerStream 订阅 bookTicker，中间价写入 TTL 缓存，断线后退避重连
type BookTickerStream struct {
	url    string
	prices *cache.TTL[string, BookTicker]
	dialer *websocket.Dialer

	mu      sync.Mutex
	symbols map[string]bool
	conn    *websocket.Conn
	reqID   int64

	connected atomic.Bool
}

// NewBookTickerStream 创建行情流，ttl 之后未更新的价格视为过期
func NewBookTickerStream(url string, ttl time.Duration, clock utils.Clock) *BookTickerStream {
	return &BookTickerStream{
		url:     url,
		prices:  cache.NewTTL[string, BookTicker](ttl, clock),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		symbols: make(map[string]bool),
	}
}

// Mid 返回未过期的中间价
func (s *BookTickerStream) Mid(symbol string) (decimal.Decimal, bool) {
	bt, ok := s.prices.Get(strings.ToUpper(symbol))
	if !ok {
		return decimal.Zero, false
	}
	return bt.Mid(), true
}

// Connected 当前是否连接
func (s *BookTickerStream) Connected() bool {
	return s.connected.Load()
}

// Subscribe 增加订阅的交易对，已连接时立即发送订阅请求
func (s *BookTickerStream) Subscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		if !s.symbols[sym] {
			s.symbols[sym] = true
			added = append(added, sym)
		}
	}
	if len(added) == 0 || s.conn == nil {
		return nil
	}
	return s.sendSubscribeLocked(added)
}

func (s *BookTickerStream) sendSubscribeLocked(symbols []string) error {
	params := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		params = append(params, strings.ToLower(sym)+"@bookTicker")
	}
	sort.Strings(params)
	s.reqID++
	return s.conn.WriteJSON(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     s.reqID,
	})
}

// Run 阻塞运行直到 ctx 结束
func (s *BookTickerStream) Run(ctx context.Context) {
	delay := time.Second
	const maxDelay = 30 * time.Second

	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("⚠️ [MarketData] 行情流断开: %v，%v 后重连", err, delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (s *BookTickerStream) runOnce(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	if len(symbols) > 0 {
		if err := s.sendSubscribeLocked(symbols); err != nil {
			s.conn = nil
			s.mu.Unlock()
			conn.Close()
			return fmt.Errorf("订阅失败: %w", err)
		}
	}
	s.mu.Unlock()

	s.connected.Store(true)
	logger.Info("✅ [MarketData] 行情流已连接，订阅 %d 个交易对", len(symbols))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	defer func() {
		s.connected.Store(false)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		bt, ok, err := parseBookTicker(msg)
		if err != nil {
			logger.Debug("[MarketData] %v", err)
			continue
		}
		if ok {
			s.prices.Set(bt.Symbol, bt)
		}
	}
}
