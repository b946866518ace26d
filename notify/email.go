package notify

import (
	"fmt"
	"time"

	"github.com/go-mail/mail"

	"quantguard/config"
	"quantguard/event"
)

// 邮件只发送低频且重要的事件
var emailEvents = map[event.EventType]bool{
	event.EventTypeRiskTriggered: true,
	event.EventTypeDailyReport:   true,
	event.EventTypeError:         true,
}

type mailSender interface {
	DialAndSend(m ...*mail.Message) error
}

// EmailNotifier SMTP 邮件通知器
type EmailNotifier struct {
	from   string
	to     []string
	host   string
	sender mailSender
}

// NewEmailNotifier 创建邮件通知器
func NewEmailNotifier(cfg config.EmailConfig) *EmailNotifier {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.Timeout = 10 * time.Second

	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &EmailNotifier{from: from, to: cfg.To, host: cfg.Host, sender: d}
}

func (en *EmailNotifier) Name() string {
	return fmt.Sprintf("Email (%s)", en.host)
}

// Send 发送邮件，非邮件事件直接忽略
func (en *EmailNotifier) Send(evt *event.Event, msg Message) error {
	if !emailEvents[evt.Type] {
		return nil
	}

	m := mail.NewMessage()
	m.SetHeader("From", en.from)
	m.SetHeader("To", en.to...)
	m.SetHeader("Subject", "[quantguard] "+msg.Title)
	m.SetDateHeader("Date", evt.Timestamp)
	m.SetBody("text/plain", msg.Body)

	if err := en.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("SMTP 发送失败: %w", err)
	}
	return nil
}
