package binance

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"quantguard/gate"
	"quantguard/logger"

	"github.com/adshao/go-binance/v2/common"
)

var banUntilRe = regexp.MustCompile(`banned until (\d+)`)

// parseBanTime 从错误消息中解析封禁时间（毫秒时间戳）
// 错误格式: "IP(130.176.187.84) banned until 1767288777555"
func parseBanTime(errMsg string) (time.Time, bool) {
	matches := banUntilRe.FindStringSubmatch(errMsg)
	if len(matches) < 2 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// classifyError 把币安错误映射为调用闸门的错误分类
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003:
			// HTTP 429/418 都使用 -1003，418 的消息中带解封时间
			if until, ok := parseBanTime(apiErr.Message); ok {
				return gate.Banned(err, until)
			}
			if strings.Contains(strings.ToLower(apiErr.Message), "banned") {
				return gate.Banned(err, time.Time{})
			}
			return gate.RateLimited(err, 0)
		case -1015:
			// 下单频率超限
			return gate.RateLimited(err, 0)
		case -1000, -1001, -1006, -1007, -1008, -1021:
			// 未知错误 / 断开 / 非预期响应 / 超时 / 服务繁忙 / 时间戳超出 recvWindow
			return gate.Transient(err)
		default:
			return gate.Permanent(err)
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "banned until"):
		until, _ := parseBanTime(msg)
		return gate.Banned(err, until)
	case strings.Contains(msg, "418"):
		return gate.Banned(err, time.Time{})
	case strings.Contains(msg, "429") || strings.Contains(msg, "Way too many requests"):
		return gate.RateLimited(err, 0)
	}
	// 网络类错误由闸门自行识别
	return err
}

func isTimestampError(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == -1021
}

// mapError 分类错误；遇到时间戳错误时顺带重新同步服务器时间
func (b *Adapter) mapError(ctx context.Context, err error) error {
	if isTimestampError(err) {
		b.timeSyncMu.Lock()
		stale := time.Since(b.lastTimeSync) > 10*time.Second
		b.timeSyncMu.Unlock()
		if stale {
			go func() {
				syncCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := b.SyncTime(syncCtx); err != nil {
					logger.Warn("⚠️ [Binance] 重新同步服务器时间失败: %v", err)
				}
			}()
		}
	}
	return classifyError(err)
}
