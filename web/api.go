package web

import (
	"net/http"
	"strconv"
	"time"

	"quantguard/database"
	"quantguard/i18n"
	"quantguard/ledger"

	"github.com/gin-gonic/gin"
)

type handlers struct {
	p Providers
}

// PositionView 持仓
type PositionView struct {
	Symbol     string    `json:"symbol"`
	Qty        string    `json:"qty"`
	EntryPrice string    `json:"entry_price"`
	OpenedAt   time.Time `json:"opened_at"`
}

// RiskView 风控状态
type RiskView struct {
	Halted   bool   `json:"halted"`
	Reason   string `json:"reason"`
	Date     string `json:"date"`
	Equity   string `json:"equity"`
	Realized string `json:"realized"`
	Ratio    string `json:"ratio"`
	Limit    string `json:"limit"`
	Message  string `json:"message,omitempty"`
}

// GateView 调用闸门状态
type GateView struct {
	Cooldown    bool       `json:"cooldown"`
	BannedUntil *time.Time `json:"banned_until,omitempty"`
}

// StatusResponse GET /api/status
type StatusResponse struct {
	Exchange  string         `json:"exchange"`
	DryRun    bool           `json:"dry_run"`
	Daily     ledger.Daily   `json:"daily"`
	Positions []PositionView `json:"positions"`
	Risk      RiskView       `json:"risk"`
	Gate      GateView       `json:"gate"`
	Stats     interface{}    `json:"stats,omitempty"`
}

// health GET /health
func (h *handlers) health(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if h.p.Journal != nil {
		if err := h.p.Journal.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		status["database"] = "ok"
	}
	c.JSON(http.StatusOK, status)
}

// status GET /api/status
func (h *handlers) status(c *gin.Context) {
	resp := StatusResponse{Exchange: h.p.Exchange, Positions: []PositionView{}}

	if h.p.Ledger != nil {
		resp.Daily = h.p.Ledger.Daily()
		for _, p := range h.p.Ledger.Snapshot().SortedPositions() {
			resp.Positions = append(resp.Positions, PositionView{
				Symbol:     p.Symbol,
				Qty:        p.Qty.String(),
				EntryPrice: p.EntryPrice.String(),
				OpenedAt:   p.OpenedAt,
			})
		}
	}

	if h.p.Scheduler != nil {
		resp.DryRun = h.p.Scheduler.DryRun()
		dec := h.p.Scheduler.LastDecision()
		resp.Risk = RiskView{
			Halted:   h.p.Scheduler.Halted(),
			Reason:   string(dec.Reason),
			Date:     dec.Date,
			Equity:   dec.Equity.String(),
			Realized: dec.Realized.String(),
			Ratio:    dec.Ratio.StringFixed(4),
			Limit:    dec.Limit.String(),
		}
		if resp.Risk.Halted {
			resp.Risk.Message = i18n.TWithLang(GetLanguage(c), "risk_triggered_title")
		}
	}

	if h.p.Gate != nil {
		resp.Gate.Cooldown = h.p.Gate.InCooldown()
		if resp.Gate.Cooldown {
			until := h.p.Gate.BannedUntil()
			resp.Gate.BannedUntil = &until
		}
	}

	if h.p.Stats != nil {
		resp.Stats = h.p.Stats.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// orders GET /api/orders?symbol=&action=&limit=&offset=
func (h *handlers) orders(c *gin.Context) {
	if h.p.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据库未启用"})
		return
	}
	limit, offset := pageParams(c)
	filter := &database.OrderFilter{
		Symbol: c.Query("symbol"),
		Action: c.Query("action"),
		Limit:  limit,
		Offset: offset,
	}
	if v := c.Query("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "dry_run 参数无效"})
			return
		}
		filter.DryRun = &b
	}

	orders, err := h.p.Journal.GetOrders(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询订单失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// riskChecks GET /api/risk-checks?date=&limit=&offset=
func (h *handlers) riskChecks(c *gin.Context) {
	if h.p.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据库未启用"})
		return
	}
	limit, offset := pageParams(c)
	checks, err := h.p.Journal.GetRiskChecks(c.Request.Context(), &database.RiskCheckFilter{
		Date:   c.Query("date"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询风控记录失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk_checks": checks, "count": len(checks)})
}

func pageParams(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
