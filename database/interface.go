package database

import (
	"context"
	"time"
)

// Database 交易日志和账本存储接口
type Database interface {
	// 订单日志
	SaveOrder(ctx context.Context, order *OrderRecord) error
	GetOrders(ctx context.Context, filter *OrderFilter) ([]*OrderRecord, error)

	// 风控记录
	SaveRiskCheck(ctx context.Context, check *RiskCheck) error
	GetRiskChecks(ctx context.Context, filter *RiskCheckFilter) ([]*RiskCheck, error)

	// 账本快照，实现 ledger.BlobStore
	LoadBlob(ctx context.Context, key string) ([]byte, bool, error)
	SaveBlob(ctx context.Context, key string, data []byte) error

	Ping(ctx context.Context) error
	Close() error
}

// OrderRecord 订单日志，包括 dry-run 模拟单
type OrderRecord struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Exchange      string    `gorm:"index:idx_exchange_symbol;size:50" json:"exchange"`
	Symbol        string    `gorm:"index:idx_exchange_symbol;size:50" json:"symbol"`
	OrderID       string    `gorm:"index;size:100" json:"order_id"`
	ClientOrderID string    `gorm:"index;size:100" json:"client_order_id"`
	Side          string    `gorm:"size:10" json:"side"`   // BUY, SELL
	Type          string    `gorm:"size:20" json:"type"`   // MARKET, LIMIT
	Action        string    `gorm:"size:20" json:"action"` // buy, take_profit, stop_loss, sell
	Price         string    `gorm:"size:40" json:"price"`
	Quantity      string    `gorm:"size:40" json:"quantity"`
	FilledQty     string    `gorm:"size:40" json:"filled_qty"`
	AvgPrice      string    `gorm:"size:40" json:"avg_price"`
	Status        string    `gorm:"index;size:20" json:"status"`
	PnL           string    `gorm:"size:40" json:"pnl"`
	DryRun        bool      `gorm:"index" json:"dry_run"`
	Error         string    `gorm:"type:text" json:"error"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// RiskCheck 风控状态切换记录
type RiskCheck struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Date      string    `gorm:"index;size:10" json:"date"`
	Allowed   bool      `gorm:"index" json:"allowed"`
	Reason    string    `gorm:"size:50" json:"reason"`
	Equity    string    `gorm:"size:40" json:"equity"`
	Realized  string    `gorm:"size:40" json:"realized"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// LedgerRecord 账本快照，按 key 保存一行
type LedgerRecord struct {
	Key       string    `gorm:"primaryKey;column:ledger_key;size:100" json:"key"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderFilter 订单日志过滤器
type OrderFilter struct {
	Symbol string
	Action string
	DryRun *bool
	Limit  int
	Offset int
}

// RiskCheckFilter 风控记录过滤器
type RiskCheckFilter struct {
	Date    string
	Allowed *bool
	Limit   int
	Offset  int
}
