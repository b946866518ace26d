package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"quantguard/config"
)

func newTestDB(t *testing.T) Database {
	t.Helper()
	db, err := NewDatabase(config.DatabaseConfig{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("创建数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOrderJournal(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []*OrderRecord{
		{Exchange: "binance", Symbol: "BTCUSDT", Side: "BUY", Action: "buy", Price: "100.00", Quantity: "0.200", CreatedAt: base},
		{Exchange: "binance", Symbol: "ETHUSDT", Side: "BUY", Action: "buy", DryRun: true, CreatedAt: base.Add(time.Minute)},
		{Exchange: "binance", Symbol: "BTCUSDT", Side: "SELL", Action: "take_profit", PnL: "1.5", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range records {
		if err := db.SaveOrder(ctx, r); err != nil {
			t.Fatalf("SaveOrder 失败: %v", err)
		}
	}

	all, err := db.GetOrders(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Action != "take_profit" {
		t.Fatalf("应按时间倒序返回 3 条, got %d", len(all))
	}

	btc, _ := db.GetOrders(ctx, &OrderFilter{Symbol: "BTCUSDT"})
	if len(btc) != 2 {
		t.Errorf("BTCUSDT 记录数 = %d", len(btc))
	}
	dry := true
	dr, _ := db.GetOrders(ctx, &OrderFilter{DryRun: &dry})
	if len(dr) != 1 || dr[0].Symbol != "ETHUSDT" {
		t.Errorf("dry-run 过滤错误: %+v", dr)
	}
	limited, _ := db.GetOrders(ctx, &OrderFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit 未生效: %d", len(limited))
	}
}

func TestRiskChecks(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	db.SaveRiskCheck(ctx, &RiskCheck{Date: "2024-03-01", Allowed: false, Reason: "daily_loss_limit", Equity: "1000", Realized: "-50"})
	db.SaveRiskCheck(ctx, &RiskCheck{Date: "2024-03-02", Allowed: true, Reason: "within_limit"})

	halted := false
	got, err := db.GetRiskChecks(ctx, &RiskCheckFilter{Allowed: &halted})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Realized != "-50" {
		t.Fatalf("熔断记录查询错误: %+v", got)
	}
	day, _ := db.GetRiskChecks(ctx, &RiskCheckFilter{Date: "2024-03-02"})
	if len(day) != 1 || !day[0].Allowed {
		t.Fatalf("按日期查询错误: %+v", day)
	}
}

func TestLedgerBlob(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if _, ok, err := db.LoadBlob(ctx, "ledger"); err != nil || ok {
		t.Fatalf("空库应返回不存在: ok=%v err=%v", ok, err)
	}
	if err := db.SaveBlob(ctx, "ledger", []byte(`{"positions":{}}`)); err != nil {
		t.Fatalf("SaveBlob 失败: %v", err)
	}
	if err := db.SaveBlob(ctx, "ledger", []byte(`{"positions":{"BTCUSDT":{}}}`)); err != nil {
		t.Fatalf("覆盖写失败: %v", err)
	}
	data, ok, err := db.LoadBlob(ctx, "ledger")
	if err != nil || !ok {
		t.Fatalf("LoadBlob 失败: ok=%v err=%v", ok, err)
	}
	if string(data) != `{"positions":{"BTCUSDT":{}}}` {
		t.Errorf("读到旧数据: %s", data)
	}
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping 失败: %v", err)
	}
}

func TestUnsupportedDatabase(t *testing.T) {
	if _, err := NewDatabase(config.DatabaseConfig{Type: "oracle"}); err == nil {
		t.Fatal("不支持的数据库类型应报错")
	}
}
