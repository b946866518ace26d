package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"quantguard/cache"
	"quantguard/database"
	"quantguard/event"
	"quantguard/exchange"
	"quantguard/gate"
	"quantguard/ledger"
	"quantguard/logger"
	"quantguard/metrics"
	"quantguard/order"
	"quantguard/risk"
	"quantguard/strategy"
	"quantguard/utils"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// Executor 下单执行器
type Executor interface {
	order.Submitter
	Wait()
}

// PriceFeed 实时中间价来源
type PriceFeed interface {
	Mid(symbol string) (decimal.Decimal, bool)
	Subscribe(symbols []string) error
}

// Options 调度器依赖
type Options struct {
	Exchange exchange.Exchange
	Gate     *gate.Gate
	Ledger   *ledger.Store
	Risk     *risk.Gate
	Strategy strategy.Strategy
	Live     Executor // 真实下单
	Paper    Executor // dry_run 下单
	Prices   PriceFeed
	Events   *event.EventBus
	Journal  database.Database
	Metrics  *metrics.PrometheusMetrics
	Clock    utils.Clock
}

// Action 一个周期内执行的交易动作
type Action struct {
	Symbol string
	Kind   string // buy / sell / take_profit / stop_loss
	Qty    decimal.Decimal
	Price  decimal.Decimal
	PnL    decimal.Decimal
	DryRun bool
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s %s@%s", a.Kind, a.Symbol, a.Qty, a.Price)
}

// CycleResult 单个周期的结果
type CycleResult struct {
	Halted   bool
	Decision risk.Decision
	Symbols  int
	Actions  []Action
	Next     time.Duration // 距离下个周期的等待时间
}

// Scheduler 执行调度：ROLL_DAY -> RISK_CHECK -> (HALTED | SCAN) -> SLEEP
type Scheduler struct {
	ex      exchange.Exchange
	gate    *gate.Gate
	ledger  *ledger.Store
	risk    *risk.Gate
	live    Executor
	paper   Executor
	prices  PriceFeed
	events  *event.EventBus
	journal database.Database
	metrics *metrics.PrometheusMetrics
	clock   utils.Clock

	markets *cache.TTL[string, map[string]exchange.Market]
	ohlcv   *cache.TTL[string, []exchange.Candle]

	mu       sync.RWMutex
	params   Params
	strategy strategy.Strategy

	stateMu      sync.Mutex
	halted       bool
	lastDecision risk.Decision
	highWater    map[string]decimal.Decimal
}

// New 创建调度器
func New(params Params, opts Options) (*Scheduler, error) {
	if opts.Exchange == nil || opts.Gate == nil || opts.Ledger == nil || opts.Risk == nil || opts.Strategy == nil {
		return nil, errors.New("scheduler: exchange, gate, ledger, risk and strategy are required")
	}
	if opts.Live == nil && opts.Paper == nil {
		return nil, errors.New("scheduler: no executor")
	}
	if opts.Clock == nil {
		opts.Clock = utils.RealClock{}
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 10
	}
	if params.CycleInterval <= 0 {
		params.CycleInterval = 5 * time.Minute
	}
	if params.RecoveryInterval <= 0 {
		params.RecoveryInterval = 5 * params.CycleInterval
	}
	if params.MarketsTTL <= 0 {
		params.MarketsTTL = 10 * time.Minute
	}
	if params.OHLCVTTL <= 0 {
		params.OHLCVTTL = time.Minute
	}

	return &Scheduler{
		ex:        opts.Exchange,
		gate:      opts.Gate,
		ledger:    opts.Ledger,
		risk:      opts.Risk,
		live:      opts.Live,
		paper:     opts.Paper,
		prices:    opts.Prices,
		events:    opts.Events,
		journal:   opts.Journal,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		markets:   cache.NewTTL[string, map[string]exchange.Market](params.MarketsTTL, opts.Clock),
		ohlcv:     cache.NewTTL[string, []exchange.Candle](params.OHLCVTTL, opts.Clock),
		params:    params,
		strategy:  opts.Strategy,
		highWater: make(map[string]decimal.Decimal),
	}, nil
}

// SetParams 热更新调度参数
func (s *Scheduler) SetParams(p Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.BatchSize <= 0 {
		p.BatchSize = s.params.BatchSize
	}
	if p.CycleInterval <= 0 {
		p.CycleInterval = s.params.CycleInterval
	}
	if p.RecoveryInterval <= 0 {
		p.RecoveryInterval = s.params.RecoveryInterval
	}
	s.params = p
}

// SetStrategy 替换策略（参数热更新）
func (s *Scheduler) SetStrategy(st strategy.Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = st
}

func (s *Scheduler) snapshot() (Params, strategy.Strategy) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params, s.strategy
}

// Halted 最近一次风控检查是否处于熔断
func (s *Scheduler) Halted() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.halted
}

// LastDecision 最近一次风控判定
func (s *Scheduler) LastDecision() risk.Decision {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastDecision
}

// DryRun 当前是否为模拟模式
func (s *Scheduler) DryRun() bool {
	p, _ := s.snapshot()
	return p.DryRun || s.live == nil
}

func (s *Scheduler) executor() Executor {
	if s.DryRun() && s.paper != nil {
		return s.paper
	}
	if s.live != nil {
		return s.live
	}
	return s.paper
}

// Run 循环执行周期直到 ctx 结束；账本持久化失败时返回错误
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info("🚀 [Scheduler] 调度器启动, 策略 %s, 模拟模式 %v", s.strategyName(), s.DryRun())
	for {
		res, err := s.RunCycle(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(res.Next):
		}
	}
}

func (s *Scheduler) strategyName() string {
	_, st := s.snapshot()
	return st.Name()
}

// Shutdown 等待在途订单完成
func (s *Scheduler) Shutdown() {
	if s.live != nil {
		s.live.Wait()
	}
	if s.paper != nil {
		s.paper.Wait()
	}
	logger.Info("🛑 [Scheduler] 在途订单已全部完成")
}

// RunCycle 执行一个周期
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	start := s.clock.Now()
	params, _ := s.snapshot()
	res := CycleResult{Next: params.CycleInterval}

	// ROLL_DAY
	if err := s.rollDay(ctx); err != nil {
		s.publish(event.EventTypeError, map[string]interface{}{"message": err.Error()})
		return res, err
	}

	// RISK_CHECK
	balance, err := gate.Call(ctx, s.gate, "fetch_balance", s.ex.FetchBalance)
	if err != nil {
		logger.Warn("⚠️ [Scheduler] 获取余额失败，跳过本周期: %v", err)
		return res, nil
	}
	equity := balance.TotalOf(params.QuoteAsset)
	allowed, dec := s.risk.AllowTrading(equity)
	res.Decision = dec
	s.recordDecision(ctx, allowed, dec)
	if !allowed {
		res.Halted = true
		res.Next = params.RecoveryInterval
		s.finishCycle(start, res)
		return res, nil
	}

	// SCAN
	symbols, markets, err := s.universe(ctx, params)
	if err != nil {
		logger.Warn("⚠️ [Scheduler] 获取交易对失败，跳过本周期: %v", err)
		return res, nil
	}
	res.Symbols = len(symbols)
	if s.prices != nil && len(symbols) > 0 {
		if err := s.prices.Subscribe(symbols); err != nil {
			logger.Warn("⚠️ [Scheduler] 订阅行情失败: %v", err)
		}
	}

	actions, err := s.scan(ctx, symbols, markets, balance)
	res.Actions = actions
	s.finishCycle(start, res)
	if err != nil {
		s.publish(event.EventTypeError, map[string]interface{}{"message": err.Error()})
		return res, err
	}
	return res, nil
}

func (s *Scheduler) rollDay(ctx context.Context) error {
	today := utils.UTCDate(s.clock.Now())
	rolled, previous, err := s.ledger.RollDailyIfNeeded(ctx, today)
	if err != nil {
		return fmt.Errorf("日期滚动失败: %w", err)
	}
	if !rolled || previous.Date == "" {
		return nil
	}

	positions := s.ledger.Positions()
	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	logger.Info("📊 [Scheduler] 日报 %s: 已实现盈亏 %s, 持仓 %d 个", previous.Date, previous.RealizedPnlQuote, len(positions))
	s.publish(event.EventTypeDailyReport, map[string]interface{}{
		"date":      previous.Date,
		"pnl":       previous.RealizedPnlQuote.String(),
		"positions": len(positions),
		"symbols":   strings.Join(symbols, ", "),
	})
	return nil
}

// recordDecision 只在熔断状态切换时发布事件和写记录
func (s *Scheduler) recordDecision(ctx context.Context, allowed bool, dec risk.Decision) {
	s.stateMu.Lock()
	wasHalted := s.halted
	s.halted = !allowed
	s.lastDecision = dec
	s.stateMu.Unlock()

	if s.metrics != nil {
		s.metrics.SetRiskHalted(!allowed)
	}
	if allowed == !wasHalted {
		if !allowed {
			logger.Debug("⏸️ [Scheduler] 仍处于熔断: %s", dec)
		}
		return
	}

	data := map[string]interface{}{
		"date":     dec.Date,
		"realized": dec.Realized.String(),
		"equity":   dec.Equity.String(),
		"ratio":    dec.Ratio.StringFixed(4),
		"limit":    dec.Limit.String(),
	}
	if !allowed {
		logger.Warn("🚨 [Scheduler] 风控熔断，暂停交易: %s", dec)
		s.publish(event.EventTypeRiskTriggered, data)
	} else {
		logger.Info("✅ [Scheduler] 风控解除，恢复交易: %s", dec)
		s.publish(event.EventTypeRiskRecovered, data)
	}

	if s.journal != nil {
		check := &database.RiskCheck{
			Date:      dec.Date,
			Allowed:   allowed,
			Reason:    string(dec.Reason),
			Equity:    dec.Equity.String(),
			Realized:  dec.Realized.String(),
			Details:   dec.String(),
			CreatedAt: s.clock.Now().UTC(),
		}
		if err := s.journal.SaveRiskCheck(ctx, check); err != nil {
			logger.Warn("⚠️ [Scheduler] 风控记录写入失败: %v", err)
		}
	}
}

// scan 按批次并发处理交易对，批次之间串行
func (s *Scheduler) scan(ctx context.Context, symbols []string, markets map[string]exchange.Market, balance exchange.Balance) ([]Action, error) {
	params, _ := s.snapshot()
	var (
		mu      sync.Mutex
		actions []Action
		fatal   error
	)

	for start := 0; start < len(symbols); start += params.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := min(start+params.BatchSize, len(symbols))
		batch := symbols[start:end]

		var (
			wg   sync.WaitGroup
			errs error
		)
		for _, sym := range batch {
			wg.Add(1)
			go func(sym string) {
				defer wg.Done()
				action, err := s.processSymbol(ctx, sym, markets[sym], balance)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("%s: %w", sym, err))
					var pe *ledger.PersistenceError
					if errors.As(err, &pe) && fatal == nil {
						fatal = err
					}
					return
				}
				if action != nil {
					actions = append(actions, *action)
				}
			}(sym)
		}
		wg.Wait()

		if errs != nil {
			for _, err := range multierr.Errors(errs) {
				logger.Warn("⚠️ [Scheduler] %v", err)
			}
		}
		if fatal != nil {
			return actions, fatal
		}
	}
	return actions, nil
}

func (s *Scheduler) finishCycle(start time.Time, res CycleResult) {
	d := s.clock.Now().Sub(start)
	daily := s.ledger.Daily()
	positions := s.ledger.Positions()

	if s.metrics != nil {
		s.metrics.SetDailyPnl(daily.RealizedPnlQuote.InexactFloat64())
		s.metrics.SetOpenPositions(len(positions))
		s.metrics.RecordCycle(d, len(res.Actions))
	}

	if len(res.Actions) == 0 {
		logger.Info("🔄 [Scheduler] 周期完成: %d 个交易对, 无交易, 当日盈亏 %s, 持仓 %d, 耗时 %v",
			res.Symbols, daily.RealizedPnlQuote, len(positions), d)
		return
	}
	parts := make([]string, 0, len(res.Actions))
	for _, a := range res.Actions {
		parts = append(parts, a.String())
	}
	logger.Info("🔄 [Scheduler] 周期完成: %d 个交易对, 执行 %d 个动作 [%s], 当日盈亏 %s, 持仓 %d, 耗时 %v",
		res.Symbols, len(res.Actions), strings.Join(parts, "; "), daily.RealizedPnlQuote, len(positions), d)
}

func (s *Scheduler) publish(t event.EventType, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(&event.Event{Type: t, Timestamp: s.clock.Now(), Data: data})
}
