package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quantguard/database"
	"quantguard/exchange"
	"quantguard/filter"
	"quantguard/gate"
	"quantguard/lock"
	"quantguard/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

type fakeExchange struct {
	mu      sync.Mutex
	calls   int
	last    exchange.OrderRequest
	err     error
	release chan struct{} // 非空时 CreateOrder 阻塞到关闭
	noFill  bool
}

func (f *fakeExchange) Name() string { return "fake" }
func (f *fakeExchange) FetchMarkets(ctx context.Context) ([]exchange.Market, error) {
	return nil, nil
}
func (f *fakeExchange) LoadMarkets(ctx context.Context) (map[string]exchange.Market, error) {
	return nil, nil
}
func (f *fakeExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	return nil, nil
}
func (f *fakeExchange) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	return exchange.Balance{}, nil
}
func (f *fakeExchange) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}

func (f *fakeExchange) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Fill, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	release := f.release
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	if f.err != nil {
		return exchange.Fill{}, f.err
	}
	fill := exchange.Fill{
		OrderID:       "1001",
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        "FILLED",
		ExecutedQty:   req.Qty,
		AvgPrice:      req.Price,
	}
	if f.noFill {
		fill.Status, fill.ExecutedQty = "EXPIRED", decimal.Zero
	}
	return fill, nil
}

func (f *fakeExchange) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeJournal struct {
	database.Database
	mu     sync.Mutex
	orders []*database.OrderRecord
}

func (j *fakeJournal) SaveOrder(ctx context.Context, o *database.OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders = append(j.orders, o)
	return nil
}

func buyRequest() Request {
	return Request{
		Symbol:         "BTCUSDT",
		Action:         metrics.ActionBuy,
		Side:           filter.SideBuy,
		Type:           exchange.OrderTypeMarket,
		Qty:            decimal.RequireFromString("0.2"),
		Price:          decimal.RequireFromString("100.00"),
		QtyPrecision:   3,
		PricePrecision: 2,
	}
}

func fastGate() *gate.Gate {
	return gate.New(gate.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2,
	}, nil, gate.Hooks{})
}

func TestDryRunExecutorFillsAtRequest(t *testing.T) {
	pm := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	journal := &fakeJournal{}
	e := NewDryRunExecutor(Options{Metrics: pm, Journal: journal})

	committed := false
	req := buyRequest()
	req.Commit = func(ctx context.Context, fill exchange.Fill) error {
		committed = true
		return nil
	}

	fill, err := e.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}
	if !fill.DryRun || fill.OrderID == "" {
		t.Errorf("模拟成交信息错误: %+v", fill)
	}
	if !fill.ExecutedQty.Equal(req.Qty) || !fill.AvgPrice.Equal(req.Price) {
		t.Errorf("成交 %s@%s, 期望 %s@%s", fill.ExecutedQty, fill.AvgPrice, req.Qty, req.Price)
	}
	if committed {
		t.Error("模拟成交不应执行 Commit")
	}
	if got := testutil.ToFloat64(pm.OrderCounter(metrics.ActionDryRun)); got != 1 {
		t.Errorf("dry_run 计数 = %v", got)
	}
	if len(journal.orders) != 1 || !journal.orders[0].DryRun || journal.orders[0].Action != metrics.ActionBuy {
		t.Errorf("订单日志错误: %+v", journal.orders)
	}
}

func TestSubmitSkipsWhenSymbolLocked(t *testing.T) {
	ex := &fakeExchange{}
	l := lock.NewLocalLock(nil)
	e := NewExecutor(ex, fastGate(), Options{Lock: l})

	ok, err := l.TryLock(context.Background(), "order:BTCUSDT", time.Minute)
	if err != nil || !ok {
		t.Fatalf("预先加锁失败: %v", err)
	}

	if _, err := e.Submit(context.Background(), buyRequest()); !errors.Is(err, ErrSymbolBusy) {
		t.Fatalf("err = %v, 期望 ErrSymbolBusy", err)
	}
	if ex.callCount() != 0 {
		t.Errorf("不应提交订单, calls = %d", ex.callCount())
	}

	// 其他交易对不受影响
	req := buyRequest()
	req.Symbol = "ETHUSDT"
	if _, err := e.Submit(context.Background(), req); err != nil {
		t.Fatalf("ETHUSDT 提交失败: %v", err)
	}
}

func TestConcurrentSubmitOncePerSymbol(t *testing.T) {
	ex := &fakeExchange{release: make(chan struct{})}
	e := NewExecutor(ex, fastGate(), Options{})

	var (
		wg      sync.WaitGroup
		busy    atomic.Int32
		success atomic.Int32
	)
	first := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(first)
		if _, err := e.Submit(context.Background(), buyRequest()); err == nil {
			success.Add(1)
		}
	}()
	<-first
	deadline := time.Now().Add(2 * time.Second)
	for ex.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("第一笔订单未发出")
		}
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Submit(context.Background(), buyRequest()); errors.Is(err, ErrSymbolBusy) {
				busy.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(ex.release)
	wg.Wait()

	if ex.callCount() != 1 {
		t.Errorf("交易所收到 %d 笔订单, 期望 1", ex.callCount())
	}
	if success.Load() != 1 || busy.Load() != 5 {
		t.Errorf("success=%d busy=%d", success.Load(), busy.Load())
	}
}

func TestPrecheckAbortsSubmission(t *testing.T) {
	ex := &fakeExchange{}
	e := NewExecutor(ex, fastGate(), Options{})
	errHasPosition := errors.New("already has position")

	req := buyRequest()
	req.Precheck = func() error { return errHasPosition }
	if _, err := e.Submit(context.Background(), req); !errors.Is(err, errHasPosition) {
		t.Fatalf("err = %v", err)
	}
	if ex.callCount() != 0 {
		t.Error("预检查失败后不应提交")
	}

	// 锁已释放
	req.Precheck = nil
	if _, err := e.Submit(context.Background(), req); err != nil {
		t.Fatalf("释放锁后提交失败: %v", err)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		noFill  bool
		wantErr error
	}{
		{"瞬时错误不重试且结果未知", gate.Transient(errors.New("connection reset")), false, gate.ErrRemoteUnavailable},
		{"永久错误", gate.Permanent(errors.New("invalid symbol")), false, gate.ErrRequestRejected},
		{"IOC 未成交", nil, true, ErrNotFilled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExchange{err: tt.err, noFill: tt.noFill}
			pm := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
			journal := &fakeJournal{}
			e := NewExecutor(ex, fastGate(), Options{Metrics: pm, Journal: journal})

			committed := false
			req := buyRequest()
			req.Commit = func(ctx context.Context, fill exchange.Fill) error {
				committed = true
				return nil
			}
			_, err := e.Submit(context.Background(), req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, 期望 %v", err, tt.wantErr)
			}
			if committed {
				t.Error("失败的订单不应执行 Commit")
			}
			if ex.callCount() != 1 {
				t.Errorf("下单调用 %d 次, 期望 1", ex.callCount())
			}
			if got := testutil.ToFloat64(pm.OrderCounter(metrics.ActionFailed)); got != 1 {
				t.Errorf("failed 计数 = %v", got)
			}
			if len(journal.orders) != 1 || journal.orders[0].Error == "" {
				t.Errorf("失败订单应写入日志: %+v", journal.orders)
			}
		})
	}
}

func TestCommitErrorPropagates(t *testing.T) {
	e := NewExecutor(&fakeExchange{}, fastGate(), Options{})
	errDisk := errors.New("disk full")

	req := buyRequest()
	req.Commit = func(ctx context.Context, fill exchange.Fill) error { return errDisk }
	fill, err := e.Submit(context.Background(), req)
	if !errors.Is(err, errDisk) {
		t.Fatalf("err = %v", err)
	}
	if !fill.Filled() {
		t.Error("记录失败时仍应返回成交信息")
	}
}

func TestCancelledContextDoesNotInterruptSubmission(t *testing.T) {
	ex := &fakeExchange{release: make(chan struct{})}
	e := NewExecutor(ex, fastGate(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	committed := make(chan struct{})
	req := buyRequest()
	req.Commit = func(ctx context.Context, fill exchange.Fill) error {
		if ctx.Err() != nil {
			t.Errorf("Commit 的 context 已取消: %v", ctx.Err())
		}
		close(committed)
		return nil
	}
	go func() {
		_, err := e.Submit(ctx, req)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for ex.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("订单未发出")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(ex.release)

	if err := <-done; err != nil {
		t.Fatalf("已发出的订单不应因取消失败: %v", err)
	}
	<-committed

	if _, err := e.Submit(ctx, buyRequest()); !errors.Is(err, context.Canceled) {
		t.Errorf("已取消的 context 不应开始新订单: %v", err)
	}
}

func TestWaitDrainsInflight(t *testing.T) {
	ex := &fakeExchange{release: make(chan struct{})}
	e := NewExecutor(ex, fastGate(), Options{})

	go e.Submit(context.Background(), buyRequest())
	deadline := time.Now().Add(2 * time.Second)
	for ex.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("订单未发出")
		}
		time.Sleep(time.Millisecond)
	}

	waited := make(chan struct{})
	go func() {
		e.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("在途订单完成前 Wait 不应返回")
	case <-time.After(20 * time.Millisecond):
	}
	close(ex.release)
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait 未返回")
	}

	if _, err := e.Submit(context.Background(), buyRequest()); !errors.Is(err, ErrClosed) {
		t.Errorf("Wait 之后应拒绝新订单: %v", err)
	}
}
