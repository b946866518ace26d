package scheduler

import (
	"context"
	"errors"
	"fmt"

	"quantguard/event"
	"quantguard/exchange"
	"quantguard/filter"
	"quantguard/gate"
	"quantguard/logger"
	"quantguard/metrics"
	"quantguard/order"
	"quantguard/strategy"

	"github.com/shopspring/decimal"
)

var (
	errPositionExists  = errors.New("position already open")
	errPositionChanged = errors.New("position changed before close")
)

// processSymbol FETCH -> VALIDATE -> SIGNAL -> decide -> NORMALIZE -> SUBMIT_OR_SKIP
// 返回 nil, nil 表示本周期跳过
func (s *Scheduler) processSymbol(ctx context.Context, symbol string, market exchange.Market, balance exchange.Balance) (*Action, error) {
	params, strat := s.snapshot()

	candles, err := s.fetchCandles(ctx, symbol, params)
	if err != nil {
		return nil, fmt.Errorf("获取K线失败: %w", err)
	}
	if err := strategy.ValidateMarketData(candles); err != nil {
		logger.Debug("[Scheduler] %s 行情数据不合格，跳过: %v", symbol, err)
		return nil, nil
	}
	if len(candles) < strat.MinCandles() {
		logger.Debug("[Scheduler] %s K线数量 %d 不足以计算指标", symbol, len(candles))
		return nil, nil
	}

	last, err := s.lastPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("获取最新价失败: %w", err)
	}

	pos, hasPosition := s.ledger.GetPosition(symbol)
	if hasPosition {
		highWater := s.trackHighWater(symbol, pos.EntryPrice, last)
		switch strategy.EvaluateExit(params.Strategy, pos.EntryPrice, highWater, last) {
		case strategy.ExitTakeProfit:
			return s.closePosition(ctx, params, market, balance, last, metrics.ActionTakeProfit)
		case strategy.ExitStopLoss:
			return s.closePosition(ctx, params, market, balance, last, metrics.ActionStopLoss)
		}
	}

	sig := strat.GenerateSignal(candles, strategy.SymbolContext{
		Symbol:      symbol,
		HasPosition: hasPosition,
		LastPrice:   last.InexactFloat64(),
	})
	switch sig.Action {
	case strategy.ActionBuy:
		if hasPosition {
			logger.Debug("[Scheduler] %s 已有持仓，忽略买入信号", symbol)
			return nil, nil
		}
		logger.Info("📈 [Scheduler] %s 买入信号 (置信度 %.2f): %s", symbol, sig.Confidence, sig.Reason)
		return s.openPosition(ctx, params, market, balance, last)
	case strategy.ActionSell:
		if !hasPosition {
			return nil, nil
		}
		logger.Info("📉 [Scheduler] %s 卖出信号 (置信度 %.2f): %s", symbol, sig.Confidence, sig.Reason)
		return s.closePosition(ctx, params, market, balance, last, metrics.ActionSell)
	}
	return nil, nil
}

func (s *Scheduler) fetchCandles(ctx context.Context, symbol string, p Params) ([]exchange.Candle, error) {
	key := symbol + "|" + p.Timeframe
	return s.ohlcv.GetOrLoad(ctx, key, func(ctx context.Context) ([]exchange.Candle, error) {
		return gate.Call(ctx, s.gate, "fetch_ohlcv", func(ctx context.Context) ([]exchange.Candle, error) {
			return s.ex.FetchOHLCV(ctx, symbol, p.Timeframe, p.Limit)
		})
	})
}

// lastPrice 优先使用行情流的中间价，过期或没有时查询最新成交价
func (s *Scheduler) lastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.prices != nil {
		if mid, ok := s.prices.Mid(symbol); ok && mid.IsPositive() {
			return mid, nil
		}
	}
	ticker, err := gate.Call(ctx, s.gate, "fetch_ticker", func(ctx context.Context) (exchange.Ticker, error) {
		return s.ex.FetchTicker(ctx, symbol)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !ticker.Last.IsPositive() {
		return decimal.Zero, fmt.Errorf("无效价格 %s", ticker.Last)
	}
	return ticker.Last, nil
}

// trackHighWater 记录持仓期间的最高价，用于移动止损
func (s *Scheduler) trackHighWater(symbol string, entry, last decimal.Decimal) decimal.Decimal {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	hw, ok := s.highWater[symbol]
	if !ok || hw.LessThan(entry) {
		hw = entry
	}
	if last.GreaterThan(hw) {
		hw = last
	}
	s.highWater[symbol] = hw
	return hw
}

func (s *Scheduler) clearHighWater(symbol string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	delete(s.highWater, symbol)
}

func (s *Scheduler) openPosition(ctx context.Context, p Params, market exchange.Market, balance exchange.Balance, last decimal.Decimal) (*Action, error) {
	symbol := market.Symbol
	rules := &market.Rules

	qty := filter.SizeQuantity(rules, balance.FreeOf(p.QuoteAsset), decimal.NewFromFloat(p.PositionSizePct), last)
	norm, err := filter.Normalize(rules, filter.SideBuy, last, last, qty)
	if err != nil {
		return nil, s.rejected(symbol, err)
	}

	req := s.newRequest(p, market, metrics.ActionBuy, filter.SideBuy, norm)
	req.Precheck = func() error {
		if _, ok := s.ledger.GetPosition(symbol); ok {
			return errPositionExists
		}
		return nil
	}
	req.Commit = func(ctx context.Context, fill exchange.Fill) error {
		_, err := s.ledger.SetPosition(ctx, symbol, fill.ExecutedQty, fill.AvgPrice)
		return err
	}

	fill, err := s.executor().Submit(ctx, req)
	if err != nil {
		return nil, skipOrFail(err)
	}
	if !fill.DryRun {
		s.clearHighWater(symbol)
	}

	action := &Action{Symbol: symbol, Kind: metrics.ActionBuy, Qty: fill.ExecutedQty, Price: fill.AvgPrice, DryRun: fill.DryRun}
	s.publishFill(action, filter.SideBuy)
	return action, nil
}

func (s *Scheduler) closePosition(ctx context.Context, p Params, market exchange.Market, balance exchange.Balance, last decimal.Decimal, kind string) (*Action, error) {
	symbol := market.Symbol
	pos, ok := s.ledger.GetPosition(symbol)
	if !ok {
		return nil, nil
	}

	// 手续费从 base 扣除等原因导致可用余额小于账本持仓时，按可用数量平仓
	available := pos.Qty
	if !s.DryRun() && len(balance.Free) > 0 {
		if free := balance.FreeOf(market.Base); free.LessThan(pos.Qty) {
			logger.Warn("⚠️ [Scheduler] %s 账本持仓 %s 大于交易所可用 %s %s，按可用数量平仓",
				symbol, pos.Qty, free, market.Base)
			available = free
		}
	}
	sellQty, err := filter.CloseQty(&market.Rules, available)
	if err != nil {
		return nil, s.rejected(symbol, err)
	}

	norm, err := filter.Normalize(&market.Rules, filter.SideSell, last, last, sellQty)
	if err != nil {
		return nil, s.rejected(symbol, err)
	}
	// 卖出全部可卖数量后，剩余的零头无法再卖出，视为已平仓
	closesAll := norm.Qty.Equal(sellQty)

	req := s.newRequest(p, market, kind, filter.SideSell, norm)
	req.EntryPrice = pos.EntryPrice
	req.Precheck = func() error {
		cur, ok := s.ledger.GetPosition(symbol)
		if !ok || !cur.OpenedAt.Equal(pos.OpenedAt) {
			return errPositionChanged
		}
		return nil
	}
	req.Commit = func(ctx context.Context, fill exchange.Fill) error {
		if closesAll && fill.ExecutedQty.GreaterThanOrEqual(norm.Qty) {
			if err := s.ledger.ClearPosition(ctx, symbol); err != nil {
				return err
			}
		} else if _, _, err := s.ledger.ReducePosition(ctx, symbol, fill.ExecutedQty); err != nil {
			return err
		}
		_, err := s.ledger.AddRealizedPnl(ctx, realizedPnl(pos.EntryPrice, fill))
		return err
	}

	fill, err := s.executor().Submit(ctx, req)
	if err != nil {
		return nil, skipOrFail(err)
	}
	if !fill.DryRun {
		if _, still := s.ledger.GetPosition(symbol); !still {
			s.clearHighWater(symbol)
		}
	}

	pnl := realizedPnl(pos.EntryPrice, fill)
	action := &Action{Symbol: symbol, Kind: kind, Qty: fill.ExecutedQty, Price: fill.AvgPrice, PnL: pnl, DryRun: fill.DryRun}
	logger.Info("💰 [Scheduler] %s %s 平仓, 开仓价 %s, 成交价 %s, 盈亏 %s", symbol, kind, pos.EntryPrice, fill.AvgPrice, pnl)
	s.publishFill(action, filter.SideSell)
	return action, nil
}

// realizedPnl (成交均价 - 开仓价) * 成交数量
func realizedPnl(entry decimal.Decimal, fill exchange.Fill) decimal.Decimal {
	return fill.AvgPrice.Sub(entry).Mul(fill.ExecutedQty)
}

func (s *Scheduler) newRequest(p Params, market exchange.Market, kind string, side filter.Side, norm filter.Normalized) order.Request {
	return order.Request{
		Symbol:         market.Symbol,
		Action:         kind,
		Side:           side,
		Type:           p.OrderType,
		Qty:            norm.Qty,
		Price:          norm.Price,
		QtyPrecision:   market.Rules.QtyPrecision(),
		PricePrecision: market.Rules.PricePrecision(),
	}
}

// rejected 规范化失败：记录指标并跳过，不重试
func (s *Scheduler) rejected(symbol string, err error) error {
	var rej *filter.Rejection
	if errors.As(err, &rej) {
		if s.metrics != nil {
			s.metrics.RecordRejection(rej.Reason())
		}
		logger.Info("🚫 [Scheduler] %s 订单不满足交易规则，跳过: %v", symbol, err)
		return nil
	}
	return err
}

// skipOrFail 区分本周期跳过和需要上报的失败
func skipOrFail(err error) error {
	switch {
	case errors.Is(err, order.ErrSymbolBusy),
		errors.Is(err, order.ErrNotFilled),
		errors.Is(err, errPositionExists),
		errors.Is(err, errPositionChanged):
		return nil
	}
	return err
}

func (s *Scheduler) publishFill(a *Action, side filter.Side) {
	data := map[string]interface{}{
		"action":  a.Kind,
		"side":    string(side),
		"symbol":  a.Symbol,
		"qty":     a.Qty.String(),
		"price":   a.Price.String(),
		"dry_run": a.DryRun,
	}
	if side == filter.SideSell {
		data["pnl"] = a.PnL.String()
	}
	s.publish(event.EventTypeOrderFilled, data)
}
