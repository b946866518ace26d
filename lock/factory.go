package lock

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"quantguard/config"
	"quantguard/utils"
)

// NewRedisClient 按配置创建 Redis 客户端，锁和账本共用
func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// NewDistributedLock 根据配置创建锁实例，未启用时返回进程内锁
func NewDistributedLock(cfg config.LockConfig, clock utils.Clock) (DistributedLock, error) {
	if !cfg.Enabled {
		return NewLocalLock(clock), nil
	}

	switch cfg.Type {
	case "", "local":
		return NewLocalLock(clock), nil
	case "redis":
		return NewRedisLock(NewRedisClient(cfg.Redis), cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}
