package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"quantguard/logger"
	"quantguard/utils"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNotLoaded = errors.New("ledger not loaded")

// PersistenceError 账本写入失败，调用方必须处理，内存状态保持写入前的值
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: persist failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store 账本存储：所有变更在全局互斥锁下执行，并在返回前同步写入介质
type Store struct {
	medium Medium
	clock  utils.Clock

	mu       sync.Mutex
	ledger   Ledger
	loaded   bool
	onChange func(Ledger)
}

// NewStore 创建账本存储
func NewStore(medium Medium, clock utils.Clock) *Store {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &Store{
		medium: medium,
		clock:  clock,
		ledger: emptyLedger(),
	}
}

// OnChange 注册变更回调（在写入成功后调用，参数为快照）
func (s *Store) OnChange(fn func(Ledger)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Load 从介质加载账本，进程生命周期内只加载一次；介质中不存在时为空账本
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	return s.readLocked(ctx)
}

// Reload 强制重新读取介质
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

func (s *Store) readLocked(ctx context.Context) error {
	data, ok, err := s.medium.Read(ctx)
	if err != nil {
		return fmt.Errorf("读取账本失败: %w", err)
	}

	l := emptyLedger()
	if ok && len(data) > 0 {
		if err := json.Unmarshal(data, &l); err != nil {
			return fmt.Errorf("解析账本失败: %w", err)
		}
		if l.Positions == nil {
			l.Positions = make(map[string]Position)
		}
	}

	s.ledger = l
	s.loaded = true
	logger.Info("📒 [Ledger] 账本已加载: %d 个持仓, 日期 %s, 当日已实现盈亏 %s",
		len(l.Positions), l.Daily.Date, l.Daily.RealizedPnlQuote)
	return nil
}

// mutate 在副本上执行变更，写入成功后再替换内存状态
func (s *Store) mutate(ctx context.Context, op string, fn func(l *Ledger) error) (Ledger, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return Ledger{}, ErrNotLoaded
	}

	next := s.ledger.clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return Ledger{}, err
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return Ledger{}, &PersistenceError{Op: op, Err: err}
	}
	if err := s.medium.Write(ctx, data); err != nil {
		s.mu.Unlock()
		logger.Error("❌ [Ledger] %s 持久化失败: %v", op, err)
		return Ledger{}, &PersistenceError{Op: op, Err: err}
	}

	s.ledger = next
	snapshot := next.clone()
	hook := s.onChange
	s.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}
	return snapshot, nil
}

// GetPosition 查询持仓
func (s *Store) GetPosition(symbol string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ledger.Positions[symbol]
	return p, ok
}

// Positions 全部持仓（按交易对排序）
func (s *Store) Positions() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.SortedPositions()
}

// SetPosition 覆盖写入持仓（买单成交）
func (s *Store) SetPosition(ctx context.Context, symbol string, qty, entryPrice decimal.Decimal) (Position, error) {
	var pos Position
	_, err := s.mutate(ctx, "setPosition", func(l *Ledger) error {
		if !qty.IsPositive() {
			return fmt.Errorf("invalid qty %s for %s", qty, symbol)
		}
		pos = Position{
			Symbol:     symbol,
			Qty:        qty,
			EntryPrice: entryPrice,
			OpenedAt:   s.clock.Now().UTC(),
		}
		l.Positions[symbol] = pos
		return nil
	})
	return pos, err
}

// ReducePosition 部分平仓，数量归零时删除持仓
func (s *Store) ReducePosition(ctx context.Context, symbol string, qty decimal.Decimal) (Position, bool, error) {
	var (
		pos    Position
		exists bool
	)
	_, err := s.mutate(ctx, "reducePosition", func(l *Ledger) error {
		cur, ok := l.Positions[symbol]
		if !ok {
			return fmt.Errorf("no position for %s", symbol)
		}
		cur.Qty = cur.Qty.Sub(qty)
		if !cur.Qty.IsPositive() {
			delete(l.Positions, symbol)
			return nil
		}
		l.Positions[symbol] = cur
		pos, exists = cur, true
		return nil
	})
	return pos, exists, err
}

// ClearPosition 删除持仓（全部卖出）
func (s *Store) ClearPosition(ctx context.Context, symbol string) error {
	_, err := s.mutate(ctx, "clearPosition", func(l *Ledger) error {
		delete(l.Positions, symbol)
		return nil
	})
	return err
}

// RollDailyIfNeeded 日期变化时重置当日盈亏，返回是否发生了滚动以及滚动前的状态
func (s *Store) RollDailyIfNeeded(ctx context.Context, today string) (bool, Daily, error) {
	s.mu.Lock()
	current := s.ledger.Daily
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		return false, Daily{}, ErrNotLoaded
	}
	if current.Date == today {
		return false, current, nil
	}

	var (
		rolled   bool
		previous Daily
	)
	_, err := s.mutate(ctx, "rollDaily", func(l *Ledger) error {
		if l.Daily.Date == today {
			return nil
		}
		previous = l.Daily
		l.Daily = Daily{Date: today, RealizedPnlQuote: decimal.Zero}
		rolled = true
		return nil
	})
	if err != nil {
		return false, Daily{}, err
	}
	if rolled {
		logger.Info("📅 [Ledger] 日期滚动 %s -> %s, 前一日已实现盈亏 %s", previous.Date, today, previous.RealizedPnlQuote)
	}
	return rolled, previous, nil
}

// AddRealizedPnl 累加已实现盈亏；跨日时先在同一次写入中重置
func (s *Store) AddRealizedPnl(ctx context.Context, delta decimal.Decimal) (Daily, error) {
	today := utils.UTCDate(s.clock.Now())
	l, err := s.mutate(ctx, "addRealizedPnl", func(l *Ledger) error {
		if l.Daily.Date != today {
			l.Daily = Daily{Date: today, RealizedPnlQuote: decimal.Zero}
		}
		l.Daily.RealizedPnlQuote = l.Daily.RealizedPnlQuote.Add(delta)
		return nil
	})
	if err != nil {
		return Daily{}, err
	}
	return l.Daily, nil
}

// Daily 当日风控状态；存储的日期已过期时视为新的一天、盈亏为零
func (s *Store) Daily() Daily {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := utils.UTCDate(s.clock.Now())
	if s.ledger.Daily.Date != today {
		return Daily{Date: today, RealizedPnlQuote: decimal.Zero}
	}
	return s.ledger.Daily
}

// Snapshot 账本快照
func (s *Store) Snapshot() Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.clone()
}
