package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"quantguard/utils"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		JitterFactor: 0.1,
		BanCooldown:  600 * time.Second,
	}
}

// waitForWaiters 等待被测协程进入退避等待
func waitForWaiters(t *testing.T, c *utils.ManualClock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Waiters() < n {
		if time.Now().After(deadline) {
			t.Fatalf("等待 %d 个等待者超时，当前 %d", n, c.Waiters())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	g := New(fastConfig(), nil, Hooks{})

	var calls int
	err := g.Do(context.Background(), "fetchOHLCV", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("期望成功, 得到 %v", err)
	}
	if calls != 3 {
		t.Errorf("期望调用 3 次, 实际 %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	g := New(fastConfig(), nil, Hooks{})

	var calls int
	err := g.Do(context.Background(), "fetchBalance", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("read: %w", syscall.ECONNRESET)
	})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("期望 ErrRemoteUnavailable, 得到 %v", err)
	}
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Errorf("应保留原始错误: %v", err)
	}
	if calls != 5 {
		t.Errorf("期望调用 5 次, 实际 %d", calls)
	}
}

func TestDoPermanentNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"显式永久错误", Permanent(errors.New("invalid symbol"))},
		{"未分类错误", errors.New("something odd")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(fastConfig(), nil, Hooks{})
			var calls int
			err := g.Do(context.Background(), "fetchTicker", func(ctx context.Context) error {
				calls++
				return tt.err
			})
			if !errors.Is(err, ErrRequestRejected) {
				t.Fatalf("期望 ErrRequestRejected, 得到 %v", err)
			}
			if calls != 1 {
				t.Errorf("永久错误不应重试, 调用 %d 次", calls)
			}
		})
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	clock := utils.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	var rateLimits atomic.Int32
	g := New(Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		BanCooldown:  600 * time.Second,
	}, clock, Hooks{OnRateLimit: func(op string) { rateLimits.Add(1) }})

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- g.Do(context.Background(), "fetchMarkets", func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return RateLimited(errors.New("429"), 30*time.Second)
			}
			return nil
		})
	}()

	waitForWaiters(t, clock, 1)
	clock.Advance(29 * time.Second)
	select {
	case err := <-done:
		t.Fatalf("Retry-After 未到期就重试了: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("期望成功, 得到 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("重试未完成")
	}

	if rateLimits.Load() != 1 {
		t.Errorf("限流回调次数错误: %d", rateLimits.Load())
	}
}

func TestBanBlocksUnrelatedCalls(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := utils.NewManualClock(start)
	var bans atomic.Int32
	g := New(fastConfig(), clock, Hooks{OnBan: func(op string, until time.Time) { bans.Add(1) }})

	err := g.Do(context.Background(), "fetchOHLCV BTCUSDT", func(ctx context.Context) error {
		return Banned(errors.New("418 I'm a teapot"), time.Time{})
	})
	if !errors.Is(err, ErrBanned) {
		t.Fatalf("期望 ErrBanned, 得到 %v", err)
	}
	if bans.Load() != 1 {
		t.Errorf("封禁回调次数错误: %d", bans.Load())
	}

	// 冷却期内其他交易对的并发调用全部快速失败，且不会触达远端
	var remoteCalls atomic.Int32
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = g.Do(context.Background(), fmt.Sprintf("fetchOHLCV SYM%d", i), func(ctx context.Context) error {
				remoteCalls.Add(1)
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrBanned) {
			t.Errorf("调用 %d 期望 ErrBanned, 得到 %v", i, err)
		}
	}
	if remoteCalls.Load() != 0 {
		t.Errorf("冷却期内不应调用远端, 实际 %d 次", remoteCalls.Load())
	}

	clock.Advance(599 * time.Second)
	if !g.InCooldown() {
		t.Fatal("冷却尚未结束")
	}

	clock.Advance(time.Second)
	if err := g.Do(context.Background(), "fetchOHLCV ETHUSDT", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("冷却结束后应恢复, 得到 %v", err)
	}
}

func TestBanHonorsRemoteUntil(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := utils.NewManualClock(start)
	g := New(fastConfig(), clock, Hooks{})

	until := start.Add(time.Hour)
	_ = g.Do(context.Background(), "op", func(ctx context.Context) error {
		return Banned(errors.New("banned until"), until)
	})

	if got := g.BannedUntil(); !got.Equal(until) {
		t.Errorf("冷却结束时间错误: 期望 %v, 得到 %v", until, got)
	}
}

func TestDoOnceNoBlindRetry(t *testing.T) {
	g := New(fastConfig(), nil, Hooks{})

	var calls int
	_, err := Submit(context.Background(), g, "createOrder", func(ctx context.Context) (string, error) {
		calls++
		return "", Transient(errors.New("connection reset"))
	})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("期望 ErrRemoteUnavailable, 得到 %v", err)
	}
	if calls != 1 {
		t.Errorf("下单不应重试, 调用 %d 次", calls)
	}

	id, err := Submit(context.Background(), g, "createOrder", func(ctx context.Context) (string, error) {
		return "42", nil
	})
	if err != nil || id != "42" {
		t.Errorf("期望成功返回 42, 得到 %q %v", id, err)
	}
}

func TestPacingDeadlineIsNotRejection(t *testing.T) {
	cfg := fastConfig()
	cfg.RatePerSecond = 0.001
	cfg.Burst = 1
	g := New(cfg, nil, Hooks{})

	// 消耗唯一的令牌
	if err := g.Do(context.Background(), "fetchTicker", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("第一次调用失败: %v", err)
	}

	tests := []struct {
		name string
		run  func(ctx context.Context, fn func(ctx context.Context) error) error
	}{
		{"幂等调用", func(ctx context.Context, fn func(ctx context.Context) error) error { return g.Do(ctx, "fetchTicker", fn) }},
		{"下单调用", func(ctx context.Context, fn func(ctx context.Context) error) error { return g.DoOnce(ctx, "createOrder", fn) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			var calls int
			err := tt.run(ctx, func(ctx context.Context) error {
				calls++
				return nil
			})
			if !errors.Is(err, ErrRemoteUnavailable) {
				t.Fatalf("期望 ErrRemoteUnavailable, 得到 %v", err)
			}
			if errors.Is(err, ErrRequestRejected) {
				t.Errorf("限速等待不应报告为请求被拒: %v", err)
			}
			if calls != 0 {
				t.Errorf("未拿到令牌不应发出请求, 调用 %d 次", calls)
			}
		})
	}
}

func TestCallReturnsValue(t *testing.T) {
	g := New(fastConfig(), nil, Hooks{})

	v, err := Call(context.Background(), g, "fetchTicker", func(ctx context.Context) (float64, error) {
		return 101.5, nil
	})
	if err != nil || v != 101.5 {
		t.Errorf("期望 101.5, 得到 %v %v", v, err)
	}
}

func TestContextCancelDuringBackoff(t *testing.T) {
	clock := utils.NewManualClock(time.Now())
	g := New(Config{MaxAttempts: 5, InitialDelay: time.Minute, MaxDelay: time.Minute}, clock, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Do(ctx, "op", func(ctx context.Context) error {
			return Transient(errors.New("timeout"))
		})
	}()

	waitForWaiters(t, clock, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("期望 context.Canceled, 得到 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("取消后应立即返回")
	}
}

func TestBackoffBounds(t *testing.T) {
	g := New(Config{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.2,
	}, nil, Hooks{})

	for attempt := 1; attempt <= 10; attempt++ {
		base := time.Second * time.Duration(1<<(attempt-1))
		low := time.Duration(float64(base) * 0.8)
		high := time.Duration(float64(base) * 1.2)
		if high > 60*time.Second {
			high = 60 * time.Second
		}
		if low > 60*time.Second {
			low = 60 * time.Second
		}
		for i := 0; i < 50; i++ {
			d := g.backoff(attempt)
			if d < low || d > high {
				t.Fatalf("第 %d 次退避 %v 超出 [%v, %v]", attempt, d, low, high)
			}
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"连接重置", syscall.ECONNRESET, ClassTransient},
		{"超时", context.DeadlineExceeded, ClassTransient},
		{"限流", RateLimited(errors.New("429"), 0), ClassRateLimited},
		{"包装后的封禁", fmt.Errorf("wrap: %w", Banned(errors.New("418"), time.Time{})), ClassBanned},
		{"普通错误", errors.New("bad request"), ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err).Class; got != tt.want {
				t.Errorf("期望 %s, 得到 %s", tt.want, got)
			}
		})
	}
}
