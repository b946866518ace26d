package utils

import (
	"time"
)

// DateLayout 账本日期格式（UTC 日历日）
const DateLayout = "2006-01-02"

var (
	// GlobalLocation 日志与报表展示使用的时区，账本日期始终使用 UTC
	GlobalLocation *time.Location = time.UTC
)

// SetLocation 设置展示时区
func SetLocation(name string) error {
	if name == "" {
		GlobalLocation = time.UTC
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		if name == "UTC+8" || name == "Asia/Shanghai" {
			GlobalLocation = time.FixedZone("UTC+8", 8*60*60)
			return nil
		}
		return err
	}
	GlobalLocation = loc
	return nil
}

// ToConfiguredTimezone 将时间转换为配置的展示时区
func ToConfiguredTimezone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(GlobalLocation)
}

// NowUTC 获取当前UTC时间
func NowUTC() time.Time {
	return time.Now().UTC()
}

// UTCDate 返回时间所在的 UTC 日历日，例如 2024-03-01
func UTCDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
