package event

import (
	"sync"
	"time"

	"quantguard/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeOrderFilled   EventType = "order_filled"
	EventTypeRiskTriggered EventType = "risk_triggered"
	EventTypeRiskRecovered EventType = "risk_recovered"
	EventTypeDailyReport   EventType = "daily_report"
	EventTypeError         EventType = "error"
	EventTypeSystemStart   EventType = "system_start"
	EventTypeSystemStop    EventType = "system_stop"
)

// Event 事件结构
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// String 从 Data 中取字符串字段
func (e *Event) String(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// EventBus 事件总线，发布方永不阻塞
type EventBus struct {
	mu      sync.RWMutex
	closed  bool
	eventCh chan *Event
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &EventBus{eventCh: make(chan *Event, bufferSize)}
}

// Publish 发布事件，队列满时丢弃
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	select {
	case eb.eventCh <- event:
	default:
		logger.Warn("⚠️ 事件队列已满，丢弃事件: %s", event.Type)
	}
}

// Subscribe 消费端 channel，总线关闭后 channel 关闭
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Close 关闭事件总线，之后的 Publish 被忽略
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	close(eb.eventCh)
}
