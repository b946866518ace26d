package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quantguard/database"
	"quantguard/exchange"
	"quantguard/filter"
	"quantguard/gate"
	"quantguard/lock"
	"quantguard/logger"
	"quantguard/metrics"
	"quantguard/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	// ErrSymbolBusy 同一交易对已有订单在途
	ErrSymbolBusy = errors.New("order in flight for symbol")
	// ErrNotFilled 订单被交易所接受但没有成交（IOC 过期）
	ErrNotFilled = errors.New("order not filled")
	// ErrClosed 执行器已停止接收新订单
	ErrClosed = errors.New("executor closed")
)

const (
	defaultSubmitTimeout = 30 * time.Second
	defaultLockTTL       = 60 * time.Second
)

// Request 一次下单意图，价格和数量必须已经过规范化
type Request struct {
	Symbol         string
	Action         string // metrics.ActionBuy / ActionSell / ActionTakeProfit / ActionStopLoss
	Side           filter.Side
	Type           exchange.OrderType
	Qty            decimal.Decimal
	Price          decimal.Decimal
	QtyPrecision   int32
	PricePrecision int32
	EntryPrice     decimal.Decimal // 平仓单的开仓价，用于日志里的盈亏

	// Precheck 持锁后、提交前执行，返回错误则放弃提交
	Precheck func() error
	// Commit 成交后在同一把锁内执行，通常是写账本
	Commit func(ctx context.Context, fill exchange.Fill) error
}

// Submitter 调度器依赖的下单接口
type Submitter interface {
	Submit(ctx context.Context, req Request) (exchange.Fill, error)
}

// Options 执行器选项，零值字段使用默认值
type Options struct {
	Lock          lock.DistributedLock
	LockTTL       time.Duration
	SubmitTimeout time.Duration
	RatePerSecond float64
	Burst         int
	IDs           *utils.OrderIDGenerator
	Journal       database.Database
	Metrics       *metrics.PrometheusMetrics
	Clock         utils.Clock
}

type placeFunc func(ctx context.Context, req exchange.OrderRequest) (exchange.Fill, error)

// Executor 下单执行器
// 同一交易对的 预检查 -> 提交 -> 提交后回调 在一把锁内完成，提交使用与调度周期解耦的 context
type Executor struct {
	name    string
	dryRun  bool
	place   placeFunc
	lock    lock.DistributedLock
	limiter *rate.Limiter
	ids     *utils.OrderIDGenerator
	journal database.Database
	metrics *metrics.PrometheusMetrics
	clock   utils.Clock

	lockTTL       time.Duration
	submitTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewExecutor 创建真实下单执行器，下单经过调用闸门的非幂等通道
func NewExecutor(ex exchange.Exchange, g *gate.Gate, opts Options) *Executor {
	e := newExecutor(ex.Name(), opts)
	e.place = func(ctx context.Context, req exchange.OrderRequest) (exchange.Fill, error) {
		return gate.Submit(ctx, g, "create_order", func(ctx context.Context) (exchange.Fill, error) {
			return ex.CreateOrder(ctx, req)
		})
	}
	return e
}

// NewDryRunExecutor 创建模拟执行器：按请求价格和数量生成模拟成交，不访问交易所，也不执行 Commit
func NewDryRunExecutor(opts Options) *Executor {
	e := newExecutor("dry-run", opts)
	e.dryRun = true
	e.place = func(ctx context.Context, req exchange.OrderRequest) (exchange.Fill, error) {
		return exchange.Fill{
			OrderID:       uuid.NewString(),
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Status:        "FILLED",
			ExecutedQty:   req.Qty,
			AvgPrice:      req.Price,
			QuoteQty:      req.Qty.Mul(req.Price),
			Time:          e.clock.Now(),
			DryRun:        true,
		}, nil
	}
	return e
}

func newExecutor(name string, opts Options) *Executor {
	if opts.Clock == nil {
		opts.Clock = utils.RealClock{}
	}
	if opts.Lock == nil {
		opts.Lock = lock.NewLocalLock(opts.Clock)
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.IDs == nil {
		opts.IDs, _ = utils.NewOrderIDGenerator("qg", 1)
	}
	return &Executor{
		name:          name,
		lock:          opts.Lock,
		limiter:       rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		ids:           opts.IDs,
		journal:       opts.Journal,
		metrics:       opts.Metrics,
		clock:         opts.Clock,
		lockTTL:       opts.LockTTL,
		submitTimeout: opts.SubmitTimeout,
	}
}

// DryRun 是否为模拟执行器
func (e *Executor) DryRun() bool {
	return e.dryRun
}

// Submit 提交订单
// ctx 只控制是否开始提交；一旦开始，提交和 Commit 在独立的超时 context 上完成，
// 调度器取消不会打断已经发出的订单
func (e *Executor) Submit(ctx context.Context, req Request) (exchange.Fill, error) {
	if err := ctx.Err(); err != nil {
		return exchange.Fill{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return exchange.Fill{}, ErrClosed
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.submitTimeout)
	defer cancel()

	lockKey := "order:" + req.Symbol
	acquired, err := e.lock.TryLock(subCtx, lockKey, e.lockTTL)
	if err != nil {
		return exchange.Fill{}, fmt.Errorf("获取下单锁失败: %w", err)
	}
	if !acquired {
		logger.Debug("🔒 [%s] %s 已有订单在途，跳过", e.name, req.Symbol)
		return exchange.Fill{}, ErrSymbolBusy
	}
	defer func() {
		if err := e.lock.Unlock(subCtx, lockKey); err != nil {
			logger.Warn("⚠️ [%s] 释放锁失败 %s: %v", e.name, lockKey, err)
		}
	}()

	if req.Precheck != nil {
		if err := req.Precheck(); err != nil {
			return exchange.Fill{}, err
		}
	}

	if err := e.limiter.Wait(subCtx); err != nil {
		return exchange.Fill{}, fmt.Errorf("速率限制等待失败: %w", err)
	}

	orderReq := exchange.OrderRequest{
		Symbol:         req.Symbol,
		Type:           req.Type,
		Side:           req.Side,
		Qty:            req.Qty,
		Price:          req.Price,
		QtyPrecision:   req.QtyPrecision,
		PricePrecision: req.PricePrecision,
		ClientOrderID:  e.ids.Next(string(req.Side)),
	}

	start := e.clock.Now()
	fill, err := e.place(subCtx, orderReq)
	if e.metrics != nil {
		e.metrics.RecordOrderLatency(e.clock.Now().Sub(start))
	}
	if err != nil {
		e.record(metrics.ActionFailed, req, orderReq, fill, err)
		if errors.Is(err, gate.ErrRemoteUnavailable) {
			logger.Error("❌ [%s] 下单结果未知，需要对账 %s %s %s@%s (%s): %v",
				e.name, req.Symbol, req.Side, req.Qty, req.Price, orderReq.ClientOrderID, err)
		} else {
			logger.Error("❌ [%s] 下单失败 %s %s %s@%s: %v", e.name, req.Symbol, req.Side, req.Qty, req.Price, err)
		}
		return exchange.Fill{}, err
	}
	if !fill.Filled() {
		e.record(metrics.ActionFailed, req, orderReq, fill, ErrNotFilled)
		logger.Warn("⚠️ [%s] 订单未成交 %s %s %s@%s 状态 %s", e.name, req.Symbol, req.Side, req.Qty, req.Price, fill.Status)
		return fill, ErrNotFilled
	}

	action := req.Action
	if fill.DryRun {
		action = metrics.ActionDryRun
	}
	e.record(action, req, orderReq, fill, nil)
	logger.Info("✅ [%s] 下单成功: %s %s %s 数量: %s 均价: %s 订单ID: %s",
		e.name, req.Action, req.Symbol, req.Side,
		fill.ExecutedQty.StringFixed(req.QtyPrecision), fill.AvgPrice.StringFixed(req.PricePrecision), fill.OrderID)

	// 模拟成交只记录日志和指标，不写账本
	if fill.DryRun {
		logger.Info("📝 [%s] 模拟模式，账本不变: %s %s %s", e.name, req.Action, req.Symbol, req.Side)
		return fill, nil
	}
	if req.Commit != nil {
		if err := req.Commit(subCtx, fill); err != nil {
			return fill, fmt.Errorf("订单已成交但记录失败: %w", err)
		}
	}
	return fill, nil
}

// record 指标和订单日志，日志写入失败只告警
func (e *Executor) record(action string, req Request, orderReq exchange.OrderRequest, fill exchange.Fill, orderErr error) {
	if e.metrics != nil {
		e.metrics.RecordOrder(action)
	}
	if e.journal == nil {
		return
	}

	rec := &database.OrderRecord{
		Exchange:      e.name,
		Symbol:        req.Symbol,
		OrderID:       fill.OrderID,
		ClientOrderID: orderReq.ClientOrderID,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Action:        req.Action,
		Price:         req.Price.String(),
		Quantity:      req.Qty.String(),
		FilledQty:     fill.ExecutedQty.String(),
		AvgPrice:      fill.AvgPrice.String(),
		Status:        fill.Status,
		DryRun:        e.dryRun,
		CreatedAt:     e.clock.Now().UTC(),
	}
	if orderErr != nil {
		rec.Error = orderErr.Error()
		if rec.Status == "" {
			rec.Status = "FAILED"
		}
	}
	if req.Side == filter.SideSell && req.EntryPrice.IsPositive() && fill.Filled() {
		rec.PnL = fill.AvgPrice.Sub(req.EntryPrice).Mul(fill.ExecutedQty).String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.journal.SaveOrder(ctx, rec); err != nil {
		logger.Warn("⚠️ [%s] 订单日志写入失败 %s: %v", e.name, req.Symbol, err)
	}
}

// Wait 停止接收新订单并等待在途订单完成
func (e *Executor) Wait() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.inflight.Wait()
}
