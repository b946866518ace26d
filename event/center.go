package event

import (
	"sync"

	"quantguard/logger"
)

// EventCenter 从总线消费事件，分发给所有处理器
type EventCenter struct {
	eventBus *EventBus

	mu         sync.RWMutex
	processors []EventProcessor

	wg sync.WaitGroup
}

// NewEventCenter 创建事件中心
func NewEventCenter(eventBus *EventBus) *EventCenter {
	return &EventCenter{eventBus: eventBus}
}

// Register 注册处理器，必须在 Start 之前调用
func (ec *EventCenter) Register(p EventProcessor) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.processors = append(ec.processors, p)
}

// Start 启动分发协程
func (ec *EventCenter) Start() {
	ec.wg.Add(1)
	go ec.processEvents()
	logger.Info("✅ [EventCenter] 事件中心已启动")
}

// Stop 关闭总线并等待剩余事件处理完
func (ec *EventCenter) Stop() {
	ec.eventBus.Close()
	ec.wg.Wait()
	logger.Info("✅ [EventCenter] 事件中心已停止")
}

func (ec *EventCenter) processEvents() {
	defer ec.wg.Done()
	for ev := range ec.eventBus.Subscribe() {
		ec.dispatch(ev)
	}
}

func (ec *EventCenter) dispatch(ev *Event) {
	ec.mu.RLock()
	processors := ec.processors
	ec.mu.RUnlock()

	for _, p := range processors {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("❌ [EventCenter] 处理事件 %s 时 panic: %v", ev.Type, r)
				}
			}()
			p.ProcessEvent(ev)
		}()
	}
}
