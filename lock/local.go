package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quantguard/utils"
)

// LocalLock 进程内按 key 加锁，过期的锁视为空闲
type LocalLock struct {
	mu    sync.Mutex
	clock utils.Clock
	held  map[string]time.Time // key -> 过期时间
}

// NewLocalLock 创建进程内锁
func NewLocalLock(clock utils.Clock) *LocalLock {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &LocalLock{clock: clock, held: make(map[string]time.Time)}
}

func (l *LocalLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ok, err := l.TryLock(ctx, key, ttl)
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (l *LocalLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

func (l *LocalLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, key)
	}
	delete(l.held, key)
	return nil
}

func (l *LocalLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	exp, ok := l.held[key]
	if !ok || !now.Before(exp) {
		return fmt.Errorf("%w: %s", ErrNotHeld, key)
	}
	l.held[key] = now.Add(ttl)
	return nil
}

func (l *LocalLock) Close() error {
	return nil
}
