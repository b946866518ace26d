package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quantguard/utils"
)

func TestParseBookTicker(t *testing.T) {
	msg := []byte(`{"stream":"btcusdt@bookTicker","data":{"u":400900217,"s":"BTCUSDT","b":"100.10","B":"1.5","a":"100.30","A":"2"}}`)
	bt, ok, err := parseBookTicker(msg)
	if err != nil || !ok {
		t.Fatalf("解析失败: ok=%v err=%v", ok, err)
	}
	if bt.Symbol != "BTCUSDT" || bt.Mid().String() != "100.2" {
		t.Errorf("解析结果错误: %+v mid=%s", bt, bt.Mid())
	}

	// 订阅回执
	if _, ok, err := parseBookTicker([]byte(`{"result":null,"id":1}`)); ok || err != nil {
		t.Errorf("订阅回执不应视为行情: ok=%v err=%v", ok, err)
	}
	if _, _, err := parseBookTicker([]byte(`{"stream":"x@bookTicker","data":{"s":"X","b":"abc","a":"1"}}`)); err == nil {
		t.Error("无效价格应报错")
	}
}

func TestBookTickerStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req.Params
		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"ethusdt@bookTicker","data":{"s":"ETHUSDT","b":"2000","a":"2002"}}`))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	clock := utils.NewManualClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	s := NewBookTickerStream("ws"+strings.TrimPrefix(srv.URL, "http"), 30*time.Second, clock)
	s.Subscribe([]string{"ethusdt"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case params := <-subscribed:
		if len(params) != 1 || params[0] != "ethusdt@bookTicker" {
			t.Fatalf("订阅参数错误: %v", params)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("超时未收到订阅")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if mid, ok := s.Mid("ETHUSDT"); ok {
			if mid.String() != "2001" {
				t.Fatalf("中间价 = %s", mid)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("超时未收到行情")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 超过 TTL 后价格过期
	clock.Advance(31 * time.Second)
	if _, ok := s.Mid("ETHUSDT"); ok {
		t.Fatal("过期的价格不应返回")
	}
}
