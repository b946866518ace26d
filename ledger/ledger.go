package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Position 持仓
type Position struct {
	Symbol     string          `json:"symbol"`
	Qty        decimal.Decimal `json:"qty"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	OpenedAt   time.Time       `json:"openedAt"`
}

// Daily 当日风控状态，Date 为 UTC 日历日
type Daily struct {
	Date             string          `json:"date"`
	RealizedPnlQuote decimal.Decimal `json:"realizedPnlQuote"`
}

// Ledger 账本：持仓 + 当日已实现盈亏
type Ledger struct {
	Positions map[string]Position `json:"positions"`
	Daily     Daily               `json:"daily"`
}

func emptyLedger() Ledger {
	return Ledger{Positions: make(map[string]Position)}
}

func (l Ledger) clone() Ledger {
	c := Ledger{
		Positions: make(map[string]Position, len(l.Positions)),
		Daily:     l.Daily,
	}
	for k, v := range l.Positions {
		c.Positions[k] = v
	}
	return c
}

// SortedPositions 按交易对排序的持仓列表
func (l Ledger) SortedPositions() []Position {
	out := make([]Position, 0, len(l.Positions))
	for _, p := range l.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
