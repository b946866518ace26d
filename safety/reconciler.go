package safety

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"quantguard/event"
	"quantguard/exchange"
	"quantguard/gate"
	"quantguard/ledger"
	"quantguard/lock"
	"quantguard/logger"
	"quantguard/utils"

	"github.com/shopspring/decimal"
)

const reconcileLockKey = "reconcile:ledger"

// PositionSource 对账所需的账本视图
type PositionSource interface {
	Positions() []ledger.Position
}

// Mismatch 账本持仓与交易所余额不一致的交易对
type Mismatch struct {
	Symbol    string
	Asset     string
	LedgerQty decimal.Decimal
	Exchange  decimal.Decimal
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: 账本 %s, 交易所 %s %s", m.Symbol, m.LedgerQty, m.Exchange, m.Asset)
}

// Report 一次对账结果
type Report struct {
	Time       time.Time
	Positions  int
	Mismatches []Mismatch
}

// Reconciler 持仓对账器：比较账本持仓和交易所资产余额
// 不一致时只告警并发布事件，不自动修改账本
type Reconciler struct {
	ex     exchange.Exchange
	gate   *gate.Gate
	ledger PositionSource
	lock   lock.DistributedLock
	events *event.EventBus
	clock  utils.Clock

	mu          sync.Mutex
	reported    map[string]bool // 已告警的不一致，恢复前不重复发布
	minInterval time.Duration
	lastRun     time.Time
}

// NewReconciler 创建对账器，events 可以为空
func NewReconciler(ex exchange.Exchange, g *gate.Gate, positions PositionSource, l lock.DistributedLock, events *event.EventBus, clock utils.Clock) *Reconciler {
	if clock == nil {
		clock = utils.RealClock{}
	}
	if l == nil {
		l = lock.NewLocalLock(clock)
	}
	return &Reconciler{
		ex:          ex,
		gate:        g,
		ledger:      positions,
		lock:        l,
		events:      events,
		clock:       clock,
		reported:    make(map[string]bool),
		minInterval: 30 * time.Second,
	}
}

// Start 按间隔周期对账
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval < r.minInterval {
		interval = r.minInterval
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("⏹️ [Reconciler] 持仓对账协程已停止")
				return
			case <-r.clock.After(interval):
				if _, err := r.Reconcile(ctx); err != nil {
					logger.Warn("⚠️ [Reconciler] 对账失败: %v", err)
				}
			}
		}
	}()
	logger.Info("✅ [Reconciler] 持仓对账已启动 (间隔: %v)", interval)
}

// Reconcile 执行一次对账
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	report := Report{Time: r.clock.Now()}

	if err := r.lock.Lock(ctx, reconcileLockKey, 30*time.Second); err != nil {
		return report, fmt.Errorf("获取对账锁失败: %w", err)
	}
	defer func() {
		if err := r.lock.Unlock(context.WithoutCancel(ctx), reconcileLockKey); err != nil {
			logger.Warn("⚠️ [Reconciler] 释放对账锁失败: %v", err)
		}
	}()

	positions := r.ledger.Positions()
	report.Positions = len(positions)
	if len(positions) == 0 {
		r.mu.Lock()
		r.reported = make(map[string]bool)
		r.lastRun = report.Time
		r.mu.Unlock()
		return report, nil
	}

	markets, err := gate.Call(ctx, r.gate, "load_markets", r.ex.LoadMarkets)
	if err != nil {
		return report, fmt.Errorf("获取交易对失败: %w", err)
	}
	balance, err := gate.Call(ctx, r.gate, "fetch_balance", r.ex.FetchBalance)
	if err != nil {
		return report, fmt.Errorf("查询余额失败: %w", err)
	}

	for _, p := range positions {
		asset := baseAsset(p.Symbol, markets)
		held := balance.TotalOf(asset)
		if held.GreaterThanOrEqual(p.Qty) {
			continue
		}
		report.Mismatches = append(report.Mismatches, Mismatch{
			Symbol:    p.Symbol,
			Asset:     asset,
			LedgerQty: p.Qty,
			Exchange:  held,
		})
	}

	r.publish(report)
	logger.Debug("🔍 [Reconciler] 对账完成: %d 个持仓, %d 个不一致", report.Positions, len(report.Mismatches))
	return report, nil
}

// publish 新出现的不一致发布一次事件
func (r *Reconciler) publish(report Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRun = report.Time

	current := make(map[string]bool, len(report.Mismatches))
	var fresh []string
	for _, m := range report.Mismatches {
		current[m.Symbol] = true
		if !r.reported[m.Symbol] {
			fresh = append(fresh, m.String())
		}
		logger.Warn("⚠️ [Reconciler] 持仓不一致 %s，请人工对账", m)
	}
	r.reported = current

	if len(fresh) == 0 || r.events == nil {
		return
	}
	r.events.Publish(&event.Event{
		Type:      event.EventTypeError,
		Timestamp: report.Time,
		Data:      map[string]interface{}{"message": "持仓对账不一致: " + strings.Join(fresh, "; ")},
	})
}

// LastRun 最近一次完成对账的时间
func (r *Reconciler) LastRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun
}

func baseAsset(symbol string, markets map[string]exchange.Market) string {
	if m, ok := markets[symbol]; ok && m.Base != "" {
		return m.Base
	}
	for _, quote := range []string{"USDT", "FDUSD", "USDC", "BUSD", "BTC", "ETH", "BNB"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}
