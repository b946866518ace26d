package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"quantguard/logger"
	"quantguard/utils"

	"golang.org/x/time/rate"
)

// Config 调用闸门配置
type Config struct {
	MaxAttempts   int           // 最大尝试次数（含首次）
	InitialDelay  time.Duration // 首次退避
	MaxDelay      time.Duration // 单次等待上限
	Multiplier    float64       // 退避倍数
	JitterFactor  float64       // 抖动比例 0-1
	BanCooldown   time.Duration // 封禁冷却
	CallTimeout   time.Duration // 单次调用超时，0 表示不单独设置
	RatePerSecond float64       // 客户端限速，0 表示不限速
	Burst         int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		MaxDelay:      60 * time.Second,
		Multiplier:    2,
		JitterFactor:  0.2,
		BanCooldown:   600 * time.Second,
		CallTimeout:   15 * time.Second,
		RatePerSecond: 10,
		Burst:         20,
	}
}

// Hooks 观测回调
type Hooks struct {
	OnRateLimit func(op string)
	OnBan       func(op string, until time.Time)
	OnRetry     func(op string, attempt int, delay time.Duration, err error)
}

// Gate 带重试、退避和封禁冷却的远程调用闸门
// 封禁冷却是闸门级共享状态，一旦触发会阻断所有经过该闸门的调用
type Gate struct {
	cfg     Config
	clock   utils.Clock
	limiter *rate.Limiter
	hooks   Hooks

	mu          sync.RWMutex
	bannedUntil time.Time
}

// New 创建调用闸门
func New(cfg Config, clock utils.Clock, hooks Hooks) *Gate {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFactor < 0 || cfg.JitterFactor > 1 {
		cfg.JitterFactor = def.JitterFactor
	}
	if cfg.BanCooldown <= 0 {
		cfg.BanCooldown = def.BanCooldown
	}
	if clock == nil {
		clock = utils.RealClock{}
	}

	g := &Gate{cfg: cfg, clock: clock, hooks: hooks}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return g
}

// BannedUntil 当前封禁冷却结束时间，零值表示未封禁
func (g *Gate) BannedUntil() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.clock.Now().Before(g.bannedUntil) {
		return g.bannedUntil
	}
	return time.Time{}
}

// InCooldown 是否处于封禁冷却期
func (g *Gate) InCooldown() bool {
	return !g.BannedUntil().IsZero()
}

func (g *Gate) checkBan(op string) error {
	if until := g.BannedUntil(); !until.IsZero() {
		return fmt.Errorf("%s: %w (cooldown until %s)", op, ErrBanned, until.UTC().Format(time.RFC3339))
	}
	return nil
}

func (g *Gate) tripBan(op string, ce *ClassifiedError) time.Time {
	until := g.clock.Now().Add(g.cfg.BanCooldown)
	if ce.BannedUntil.After(until) {
		until = ce.BannedUntil
	}

	g.mu.Lock()
	if until.After(g.bannedUntil) {
		g.bannedUntil = until
	}
	until = g.bannedUntil
	g.mu.Unlock()

	logger.Error("🚫 [Gate] %s 被远端封禁，所有调用暂停至 %s: %v", op, until.UTC().Format(time.RFC3339), ce.Err)
	if g.hooks.OnBan != nil {
		g.hooks.OnBan(op, until)
	}
	return until
}

// Do 执行幂等的远程调用，瞬时错误和限流按退避重试
func (g *Gate) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		err := g.attempt(ctx, op, fn)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrBanned) || errors.Is(err, ErrRemoteUnavailable) {
			return err
		}

		ce := Classify(err)
		switch ce.Class {
		case ClassBanned:
			g.tripBan(op, ce)
			return fmt.Errorf("%s: %w: %w", op, ErrBanned, err)
		case ClassPermanent:
			return fmt.Errorf("%s: %w: %w", op, ErrRequestRejected, err)
		case ClassRateLimited:
			if g.hooks.OnRateLimit != nil {
				g.hooks.OnRateLimit(op)
			}
		}

		lastErr = err
		if attempt == g.cfg.MaxAttempts {
			break
		}

		delay := g.backoff(attempt)
		if ce.Class == ClassRateLimited && ce.RetryAfter > delay {
			delay = ce.RetryAfter
		}
		if ce.Class == ClassRateLimited {
			logger.Warn("⚠️ [Gate] %s 触发速率限制，等待 %v 后重试 (第%d次)", op, delay, attempt)
		} else {
			logger.Warn("⚠️ [Gate] %s 调用失败，等待 %v 后重试 (第%d次): %v", op, delay, attempt, err)
		}
		if g.hooks.OnRetry != nil {
			g.hooks.OnRetry(op, attempt, delay, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clock.After(delay):
		}
	}

	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRemoteUnavailable, g.cfg.MaxAttempts, lastErr)
}

// DoOnce 执行非幂等的远程调用（下单），不做盲目重试
// 瞬时错误和限流都以 ErrRemoteUnavailable 返回，调用方必须视为结果未知
func (g *Gate) DoOnce(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := g.attempt(ctx, op, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBanned) || errors.Is(err, ErrRemoteUnavailable) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrRemoteUnavailable, ctxErr)
	}

	ce := Classify(err)
	switch ce.Class {
	case ClassBanned:
		g.tripBan(op, ce)
		return fmt.Errorf("%s: %w: %w", op, ErrBanned, err)
	case ClassPermanent:
		return fmt.Errorf("%s: %w: %w", op, ErrRequestRejected, err)
	case ClassRateLimited:
		if g.hooks.OnRateLimit != nil {
			g.hooks.OnRateLimit(op)
		}
	}
	return fmt.Errorf("%s: %w (outcome unknown): %w", op, ErrRemoteUnavailable, err)
}

func (g *Gate) attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.checkBan(op); err != nil {
		return err
	}
	if g.limiter != nil {
		// 等待令牌会超过截止时间：请求没有发出，按远端不可用处理
		if err := g.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%s: %w: 限速等待失败: %v", op, ErrRemoteUnavailable, err)
		}
	}

	callCtx := ctx
	if g.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}
	return fn(callCtx)
}

// backoff 第 attempt 次失败后的等待时间：指数增长加随机抖动，上限 MaxDelay
func (g *Gate) backoff(attempt int) time.Duration {
	delay := float64(g.cfg.InitialDelay) * math.Pow(g.cfg.Multiplier, float64(attempt-1))
	if g.cfg.JitterFactor > 0 {
		delay *= 1 + g.cfg.JitterFactor*(2*rand.Float64()-1)
	}
	if delay > float64(g.cfg.MaxDelay) {
		delay = float64(g.cfg.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Call 带返回值的幂等调用
func Call[T any](ctx context.Context, g *Gate, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := g.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Submit 带返回值的非幂等调用
func Submit[T any](ctx context.Context, g *Gate, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := g.DoOnce(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
