package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"quantguard/database"
	"quantguard/ledger"
	"quantguard/logger"
	"quantguard/metrics"
	"quantguard/risk"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LedgerView 账本只读视图
type LedgerView interface {
	Snapshot() ledger.Ledger
	Daily() ledger.Daily
}

// SchedulerView 调度器状态
type SchedulerView interface {
	Halted() bool
	LastDecision() risk.Decision
	DryRun() bool
}

// CooldownView 调用闸门的封禁冷却状态
type CooldownView interface {
	InCooldown() bool
	BannedUntil() time.Time
}

// Providers 状态接口的数据来源，Journal 和 Stats 可以为空
type Providers struct {
	Exchange  string
	Ledger    LedgerView
	Scheduler SchedulerView
	Gate      CooldownView
	Stats     *metrics.Stats
	Journal   database.Database
	Gatherer  prometheus.Gatherer // 为空时使用默认注册器
}

// Options Web 服务配置
type Options struct {
	Host  string
	Port  int
	Debug bool
}

// WebServer 健康检查、指标和状态接口
type WebServer struct {
	server *http.Server
	addr   string
}

// NewWebServer 创建 Web 服务
func NewWebServer(opts Options, p Providers) *WebServer {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	return &WebServer{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(p, opts.Debug),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// NewRouter 构建路由
func NewRouter(p Providers, logAll bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), GinLoggerMiddleware(logAll), I18nMiddleware())

	metricsHandler := promhttp.Handler()
	if p.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{})
	}

	h := &handlers{p: p}
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(metricsHandler))

	api := r.Group("/api")
	{
		api.GET("/status", h.status)
		api.GET("/orders", h.orders)
		api.GET("/risk-checks", h.riskChecks)
	}
	return r
}

// Start 后台启动，ctx 结束时关闭
func (ws *WebServer) Start(ctx context.Context) {
	go func() {
		logger.Info("🌐 [Web] 服务启动在 http://%s", ws.addr)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ [Web] 服务启动失败: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		ws.Stop()
	}()
}

// Stop 关闭服务
func (ws *WebServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(ctx); err != nil {
		logger.Error("❌ [Web] 服务关闭失败: %v", err)
		return
	}
	logger.Info("✅ [Web] 服务已关闭")
}
