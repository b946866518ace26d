package config

import (
	"fmt"
	"reflect"
	"strings"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// ConfigChange 单项配置变更
type ConfigChange struct {
	Path            string      `json:"path"` // 如 "strategy.rsi_buy"
	Type            ChangeType  `json:"type"`
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	RequiresRestart bool        `json:"requires_restart"`
}

// ConfigDiff 配置差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
}

// 可以在运行中生效的配置，其余变更都需要重启
var hotReloadPaths = []string{
	"strategy",
	"risk.daily_loss_limit_pct",
	"trading.dry_run",
	"trading.batch_size",
	"trading.position_size_pct",
	"log.level",
}

// DiffConfig 对比两个配置
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	diff := &ConfigDiff{Changes: []ConfigChange{}}
	diff.compare(reflect.ValueOf(*oldConfig), reflect.ValueOf(*newConfig), "")
	for _, change := range diff.Changes {
		if change.RequiresRestart {
			diff.RequiresRestart = true
			break
		}
	}
	return diff
}

// HotReloadable 判断路径能否热更新
func HotReloadable(path string) bool {
	for _, p := range hotReloadPaths {
		if path == p || strings.HasPrefix(path, p+".") {
			return true
		}
	}
	return false
}

func (d *ConfigDiff) compare(oldVal, newVal reflect.Value, path string) {
	switch oldVal.Kind() {
	case reflect.Struct:
		typ := oldVal.Type()
		for i := 0; i < typ.NumField(); i++ {
			field := typ.Field(i)
			name := strings.Split(field.Tag.Get("yaml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			if path != "" {
				name = path + "." + name
			}
			d.compare(oldVal.Field(i), newVal.Field(i), name)
		}
	case reflect.Slice:
		// 切片整体比较
		if oldVal.Len() == 0 && newVal.Len() > 0 {
			d.add(path, ChangeTypeAdded, nil, newVal.Interface())
		} else if oldVal.Len() > 0 && newVal.Len() == 0 {
			d.add(path, ChangeTypeDeleted, oldVal.Interface(), nil)
		} else if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		}
	default:
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		}
	}
}

func (d *ConfigDiff) add(path string, changeType ChangeType, oldValue, newValue interface{}) {
	d.Changes = append(d.Changes, ConfigChange{
		Path:            path,
		Type:            changeType,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: !HotReloadable(path),
	})
}

// String 变更摘要，用于日志
func (d *ConfigDiff) String() string {
	parts := make([]string, 0, len(d.Changes))
	for _, c := range d.Changes {
		if strings.Contains(c.Path, "secret") || strings.Contains(c.Path, "password") || strings.Contains(c.Path, "api_key") {
			parts = append(parts, c.Path+"=***")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %v -> %v", c.Path, c.OldValue, c.NewValue))
	}
	return strings.Join(parts, ", ")
}
