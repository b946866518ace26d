package config

import (
	"fmt"
	"sync"
)

// HotReloader 持有当前生效的配置，只把可热更新的字段合并进来
type HotReloader struct {
	mu              sync.RWMutex
	currentConfig   *Config
	updateCallbacks []ConfigUpdateCallback
}

// ConfigUpdateCallback 配置更新回调
type ConfigUpdateCallback func(oldConfig, newConfig *Config, changes []ConfigChange) error

// NewHotReloader 创建热更新器
func NewHotReloader(initialConfig *Config) *HotReloader {
	return &HotReloader{currentConfig: initialConfig}
}

// RegisterCallback 注册配置更新回调
func (hr *HotReloader) RegisterCallback(callback ConfigUpdateCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.updateCallbacks = append(hr.updateCallbacks, callback)
}

// UpdateConfig 对比新配置，应用可热更新部分。需要重启的变更只记录在返回的 diff 中
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	diff := DiffConfig(hr.currentConfig, newConfig)

	var hot []ConfigChange
	for _, change := range diff.Changes {
		if !change.RequiresRestart {
			hot = append(hot, change)
		}
	}
	if len(hot) == 0 {
		return diff, nil
	}

	merged := hr.currentConfig.Clone()
	merged.Strategy = newConfig.Strategy
	merged.Risk.DailyLossLimitPct = newConfig.Risk.DailyLossLimitPct
	merged.Trading.DryRun = newConfig.Trading.DryRun
	merged.Trading.BatchSize = newConfig.Trading.BatchSize
	merged.Trading.PositionSizePct = newConfig.Trading.PositionSizePct
	merged.Log.Level = newConfig.Log.Level

	for _, callback := range hr.updateCallbacks {
		if err := callback(hr.currentConfig, merged, hot); err != nil {
			return nil, fmt.Errorf("配置更新回调执行失败: %w", err)
		}
	}
	hr.currentConfig = merged
	return diff, nil
}

// GetCurrentConfig 获取当前配置
func (hr *HotReloader) GetCurrentConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.currentConfig
}
