package cache

import (
	"context"
	"sync"
	"time"

	"quantguard/utils"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL 带过期时间的内存缓存，时间来自注入的时钟
type TTL[K comparable, V any] struct {
	ttl   time.Duration
	clock utils.Clock

	mu    sync.RWMutex
	items map[K]entry[V]

	// 同一个 key 的并发加载只发起一次
	loadMu  sync.Mutex
	loading map[K]*call[V]
}

type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// NewTTL 创建缓存
func NewTTL[K comparable, V any](ttl time.Duration, clock utils.Clock) *TTL[K, V] {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &TTL[K, V]{
		ttl:     ttl,
		clock:   clock,
		items:   make(map[K]entry[V]),
		loading: make(map[K]*call[V]),
	}
}

// Get 读取未过期的值
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || !c.clock.Now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set 写入值并刷新过期时间
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expires: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete 删除值
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len 条目数量（含已过期未清理的）
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Purge 清理已过期的条目
func (c *TTL[K, V]) Purge() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// GetOrLoad 命中则返回缓存，否则调用 loader 并缓存成功结果；加载失败不缓存
func (c *TTL[K, V]) GetOrLoad(ctx context.Context, key K, loader func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.loadMu.Lock()
	if v, ok := c.Get(key); ok {
		c.loadMu.Unlock()
		return v, nil
	}
	if cl, ok := c.loading[key]; ok {
		c.loadMu.Unlock()
		select {
		case <-cl.done:
			return cl.value, cl.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	cl := &call[V]{done: make(chan struct{})}
	c.loading[key] = cl
	c.loadMu.Unlock()

	cl.value, cl.err = loader(ctx)
	if cl.err == nil {
		c.Set(key, cl.value)
	}
	close(cl.done)

	c.loadMu.Lock()
	delete(c.loading, key)
	c.loadMu.Unlock()

	return cl.value, cl.err
}
