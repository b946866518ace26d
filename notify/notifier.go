package notify

import (
	"sync"

	"quantguard/config"
	"quantguard/event"
	"quantguard/i18n"
	"quantguard/logger"
)

// Message 本地化后的通知内容
type Message struct {
	Title string
	Body  string
}

// Notifier 通知渠道
type Notifier interface {
	Send(evt *event.Event, msg Message) error
	Name() string
}

// 转发给通知渠道的事件
var notifiableEvents = map[event.EventType]bool{
	event.EventTypeRiskTriggered: true,
	event.EventTypeRiskRecovered: true,
	event.EventTypeOrderFilled:   true,
	event.EventTypeDailyReport:   true,
	event.EventTypeError:         true,
	event.EventTypeSystemStart:   true,
	event.EventTypeSystemStop:    true,
}

// NotificationService 把事件翻译成消息并投递到所有渠道
type NotificationService struct {
	notifiers []Notifier
	lang      string
	wg        sync.WaitGroup
}

// NewNotificationService 按配置初始化渠道
func NewNotificationService(cfg *config.Config) *NotificationService {
	ns := &NotificationService{lang: cfg.Notifications.Language}
	if !cfg.Notifications.Enabled {
		return ns
	}

	if cfg.Notifications.Webhook.Enabled {
		ns.Add(NewWebhookNotifier(cfg.Notifications.Webhook.URL))
		logger.Info("✅ Webhook 通知已启用")
	}
	if cfg.Notifications.Email.Enabled {
		ns.Add(NewEmailNotifier(cfg.Notifications.Email))
		logger.Info("✅ 邮件通知已启用 (%s:%d)", cfg.Notifications.Email.Host, cfg.Notifications.Email.Port)
	}
	return ns
}

// Add 添加渠道
func (ns *NotificationService) Add(n Notifier) {
	ns.notifiers = append(ns.notifiers, n)
}

// Enabled 是否有可用渠道
func (ns *NotificationService) Enabled() bool {
	return len(ns.notifiers) > 0
}

// Format 把事件渲染成当前语言的消息
func (ns *NotificationService) Format(evt *event.Event) Message {
	key := string(evt.Type)
	return Message{
		Title: i18n.TWithLang(ns.lang, key+"_title", evt.Data),
		Body:  i18n.TWithLang(ns.lang, key+"_body", evt.Data),
	}
}

// ProcessEvent 实现 event.EventProcessor，异步投递不阻塞事件中心
func (ns *NotificationService) ProcessEvent(evt *event.Event) {
	if evt == nil || !notifiableEvents[evt.Type] || len(ns.notifiers) == 0 {
		return
	}
	msg := ns.Format(evt)

	for _, n := range ns.notifiers {
		ns.wg.Add(1)
		go func(n Notifier) {
			defer ns.wg.Done()
			if err := n.Send(evt, msg); err != nil {
				logger.Warn("⚠️ [%s] 通知发送失败: %v", n.Name(), err)
			}
		}(n)
	}
}

// Wait 等待所有在途通知发送完成
func (ns *NotificationService) Wait() {
	ns.wg.Wait()
}
