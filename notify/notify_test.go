package notify

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-mail/mail"

	"quantguard/config"
	"quantguard/event"
	"quantguard/i18n"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*mail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m...)
	return nil
}

func riskEvent() *event.Event {
	return &event.Event{
		Type:      event.EventTypeRiskTriggered,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Data: map[string]interface{}{
			"date": "2024-03-01", "realized": "-50", "equity": "1000", "ratio": "-0.05", "limit": "0.05",
		},
	}
}

func TestWebhookNotifier(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %s", r.Header.Get("Content-Type"))
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wn := NewWebhookNotifier(srv.URL)
	if err := wn.Send(riskEvent(), Message{Title: "t", Body: "b"}); err != nil {
		t.Fatalf("Send 失败: %v", err)
	}
	for _, want := range []string{`"type":"risk_triggered"`, `"title":"t"`, `"realized":"-50"`, `"timestamp":"2024-03-01T12:00:00Z"`} {
		if !strings.Contains(body, want) {
			t.Errorf("payload 缺少 %s: %s", want, body)
		}
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(riskEvent(), Message{}); err == nil {
		t.Fatal("非 2xx 应返回错误")
	}
}

func TestEmailNotifier(t *testing.T) {
	fake := &fakeSender{}
	en := NewEmailNotifier(config.EmailConfig{Host: "smtp.example.com", Port: 587, Username: "bot@example.com", To: []string{"ops@example.com"}})
	en.sender = fake

	if err := en.Send(riskEvent(), Message{Title: "风控熔断", Body: "body"}); err != nil {
		t.Fatal(err)
	}
	// 成交事件不走邮件
	if err := en.Send(&event.Event{Type: event.EventTypeOrderFilled}, Message{}); err != nil {
		t.Fatal(err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("发送邮件数 = %d, 期望 1", len(fake.sent))
	}
	m := fake.sent[0]
	if got := m.GetHeader("Subject"); len(got) != 1 || got[0] != "[quantguard] 风控熔断" {
		t.Errorf("Subject = %v", got)
	}
	if got := m.GetHeader("From"); len(got) != 1 || got[0] != "bot@example.com" {
		t.Errorf("From 默认应为用户名, got %v", got)
	}

	fake.err = errors.New("connection refused")
	if err := en.Send(riskEvent(), Message{}); err == nil {
		t.Fatal("SMTP 失败应返回错误")
	}
}

type captureNotifier struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *captureNotifier) Send(evt *event.Event, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureNotifier) Name() string { return "capture" }

func TestNotificationServiceLocalizes(t *testing.T) {
	if err := i18n.Init("zh-CN"); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{}
	cfg.Notifications.Language = "en-US"
	ns := NewNotificationService(cfg)
	capture := &captureNotifier{}
	ns.Add(capture)

	ns.ProcessEvent(riskEvent())
	ns.ProcessEvent(&event.Event{Type: event.EventType("unknown")})
	ns.Wait()

	if len(capture.msgs) != 1 {
		t.Fatalf("收到 %d 条通知, 期望 1", len(capture.msgs))
	}
	msg := capture.msgs[0]
	if !strings.Contains(msg.Title, "Trading halted") {
		t.Errorf("标题未按 en-US 渲染: %s", msg.Title)
	}
	if !strings.Contains(msg.Body, "-50") || !strings.Contains(msg.Body, "1000") {
		t.Errorf("正文缺少数据: %s", msg.Body)
	}
}
