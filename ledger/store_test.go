package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"quantguard/utils"

	"github.com/shopspring/decimal"
)

var (
	day1 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 3, 2, 0, 0, 1, 0, time.UTC)
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// memMedium 内存介质，可注入写入失败
type memMedium struct {
	mu      sync.Mutex
	data    []byte
	writes  int
	failErr error
}

func (m *memMedium) Read(ctx context.Context) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, false, nil
	}
	return append([]byte(nil), m.data...), true, nil
}

func (m *memMedium) Write(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.writes++
	m.data = append([]byte(nil), data...)
	return nil
}

func newLoadedStore(t *testing.T, m Medium, clock utils.Clock) *Store {
	t.Helper()
	s := NewStore(m, clock)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("加载账本失败: %v", err)
	}
	return s
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.json")
	s := newLoadedStore(t, NewFileMedium(path), utils.NewManualClock(day1))

	if n := len(s.Positions()); n != 0 {
		t.Errorf("空账本不应有持仓: %d", n)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("加载不应创建文件: %v", err)
	}
}

func TestFileMediumWriteThrough(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")
	clock := utils.NewManualClock(day1)

	s := newLoadedStore(t, NewFileMedium(path), clock)
	if _, err := s.SetPosition(ctx, "BTCUSDT", d("0.2"), d("100.00")); err != nil {
		t.Fatalf("写入持仓失败: %v", err)
	}
	if _, err := s.AddRealizedPnl(ctx, d("12.5")); err != nil {
		t.Fatalf("累加盈亏失败: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取文件失败: %v", err)
	}
	for _, field := range []string{`"positions"`, `"daily"`, `"entryPrice"`, `"openedAt"`, `"realizedPnlQuote"`, `"date"`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("账本文件缺少字段 %s", field)
		}
	}

	// 模拟进程重启
	restarted := newLoadedStore(t, NewFileMedium(path), clock)
	pos, ok := restarted.GetPosition("BTCUSDT")
	if !ok {
		t.Fatal("重启后持仓丢失")
	}
	if !pos.Qty.Equal(d("0.2")) || !pos.EntryPrice.Equal(d("100")) {
		t.Errorf("持仓内容错误: %+v", pos)
	}
	if !pos.OpenedAt.Equal(day1) {
		t.Errorf("开仓时间错误: %v", pos.OpenedAt)
	}
	if daily := restarted.Daily(); !daily.RealizedPnlQuote.Equal(d("12.5")) || daily.Date != "2024-03-01" {
		t.Errorf("当日盈亏错误: %+v", daily)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := &memMedium{}
	s := newLoadedStore(t, m, utils.NewManualClock(day1))
	if _, err := s.SetPosition(ctx, "ETHUSDT", d("1"), d("2000")); err != nil {
		t.Fatal(err)
	}

	// 介质被外部清空后再次 Load 不会覆盖内存状态
	m.data = nil
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetPosition("ETHUSDT"); !ok {
		t.Error("重复 Load 不应重新读取")
	}

	if err := s.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetPosition("ETHUSDT"); ok {
		t.Error("Reload 应重新读取介质")
	}
}

func TestMutationBeforeLoad(t *testing.T) {
	s := NewStore(&memMedium{}, nil)
	if _, err := s.SetPosition(context.Background(), "X", d("1"), d("1")); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("期望 ErrNotLoaded, 得到 %v", err)
	}
}

func TestPersistenceFailureSurfaced(t *testing.T) {
	ctx := context.Background()
	m := &memMedium{}
	s := newLoadedStore(t, m, utils.NewManualClock(day1))
	if _, err := s.SetPosition(ctx, "BTCUSDT", d("1"), d("100")); err != nil {
		t.Fatal(err)
	}

	m.failErr = errors.New("disk full")

	tests := []struct {
		name string
		op   func() error
	}{
		{"setPosition", func() error { _, err := s.SetPosition(ctx, "ETHUSDT", d("1"), d("1")); return err }},
		{"clearPosition", func() error { return s.ClearPosition(ctx, "BTCUSDT") }},
		{"addRealizedPnl", func() error { _, err := s.AddRealizedPnl(ctx, d("5")); return err }},
		{"rollDaily", func() error { _, _, err := s.RollDailyIfNeeded(ctx, "2099-01-01"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			var perr *PersistenceError
			if !errors.As(err, &perr) {
				t.Fatalf("期望 PersistenceError, 得到 %v", err)
			}
			if perr.Op != tt.name {
				t.Errorf("操作名错误: %s", perr.Op)
			}
		})
	}

	// 写入失败后内存状态保持不变
	if _, ok := s.GetPosition("BTCUSDT"); !ok {
		t.Error("写入失败不应删除内存中的持仓")
	}
	if _, ok := s.GetPosition("ETHUSDT"); ok {
		t.Error("写入失败不应新增内存中的持仓")
	}
	if !s.Daily().RealizedPnlQuote.IsZero() {
		t.Error("写入失败不应改变当日盈亏")
	}
}

func TestDailyRolloverIsolation(t *testing.T) {
	ctx := context.Background()
	clock := utils.NewManualClock(day1)
	s := newLoadedStore(t, &memMedium{}, clock)

	if _, _, err := s.RollDailyIfNeeded(ctx, utils.UTCDate(day1)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddRealizedPnl(ctx, d("50")); err != nil {
		t.Fatal(err)
	}

	clock.Advance(day2.Sub(day1))
	rolled, prev, err := s.RollDailyIfNeeded(ctx, utils.UTCDate(day2))
	if err != nil {
		t.Fatal(err)
	}
	if !rolled {
		t.Fatal("日期变化应触发滚动")
	}
	if !prev.RealizedPnlQuote.Equal(d("50")) || prev.Date != "2024-03-01" {
		t.Errorf("滚动前状态错误: %+v", prev)
	}

	daily := s.Snapshot().Daily
	if daily.Date != "2024-03-02" || !daily.RealizedPnlQuote.IsZero() {
		t.Errorf("滚动后状态错误: %+v", daily)
	}

	// 同一天重复调用不会再次重置
	if _, err := s.AddRealizedPnl(ctx, d("-3")); err != nil {
		t.Fatal(err)
	}
	rolled, _, err = s.RollDailyIfNeeded(ctx, utils.UTCDate(day2))
	if err != nil || rolled {
		t.Errorf("同一天不应滚动: %v %v", rolled, err)
	}
	if !s.Daily().RealizedPnlQuote.Equal(d("-3")) {
		t.Errorf("当日盈亏错误: %s", s.Daily().RealizedPnlQuote)
	}
}

func TestAddRealizedPnlRollsStaleDay(t *testing.T) {
	ctx := context.Background()
	clock := utils.NewManualClock(day1)
	s := newLoadedStore(t, &memMedium{}, clock)

	if _, err := s.AddRealizedPnl(ctx, d("50")); err != nil {
		t.Fatal(err)
	}
	clock.Advance(24 * time.Hour)

	if got := s.Daily(); !got.RealizedPnlQuote.IsZero() {
		t.Errorf("跨日后读取应为零: %+v", got)
	}
	daily, err := s.AddRealizedPnl(ctx, d("7"))
	if err != nil {
		t.Fatal(err)
	}
	if daily.Date != "2024-03-02" || !daily.RealizedPnlQuote.Equal(d("7")) {
		t.Errorf("跨日累加错误: %+v", daily)
	}
}

func TestReducePosition(t *testing.T) {
	ctx := context.Background()
	s := newLoadedStore(t, &memMedium{}, utils.NewManualClock(day1))
	if _, err := s.SetPosition(ctx, "SOLUSDT", d("3"), d("20")); err != nil {
		t.Fatal(err)
	}

	pos, exists, err := s.ReducePosition(ctx, "SOLUSDT", d("1"))
	if err != nil || !exists || !pos.Qty.Equal(d("2")) {
		t.Fatalf("部分平仓错误: %+v %v %v", pos, exists, err)
	}

	_, exists, err = s.ReducePosition(ctx, "SOLUSDT", d("2"))
	if err != nil || exists {
		t.Fatalf("数量归零应删除持仓: %v %v", exists, err)
	}
	if _, ok := s.GetPosition("SOLUSDT"); ok {
		t.Error("持仓应被删除")
	}

	if _, _, err := s.ReducePosition(ctx, "SOLUSDT", d("1")); err == nil {
		t.Error("无持仓时部分平仓应失败")
	}
}

func TestConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	m := &memMedium{}
	s := newLoadedStore(t, m, utils.NewManualClock(day1))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.AddRealizedPnl(ctx, d("1")); err != nil {
				t.Error(err)
			}
			sym := "SYM" + string(rune('A'+i%26))
			if _, err := s.SetPosition(ctx, sym, d("1"), d("10")); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if got := s.Daily().RealizedPnlQuote; !got.Equal(d("50")) {
		t.Errorf("并发累加结果错误: %s", got)
	}
	if n := len(s.Positions()); n != 26 {
		t.Errorf("持仓数量错误: %d", n)
	}
	if m.writes != 100 {
		t.Errorf("每次变更都应写入一次, 实际 %d", m.writes)
	}
}

func TestOnChangeHook(t *testing.T) {
	ctx := context.Background()
	s := newLoadedStore(t, &memMedium{}, utils.NewManualClock(day1))

	var got Ledger
	s.OnChange(func(l Ledger) { got = l })
	if _, err := s.SetPosition(ctx, "BTCUSDT", d("1"), d("1")); err != nil {
		t.Fatal(err)
	}
	if len(got.Positions) != 1 {
		t.Errorf("回调快照错误: %+v", got)
	}
}
