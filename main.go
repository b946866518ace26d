package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantguard/config"
	"quantguard/database"
	"quantguard/event"
	"quantguard/exchange/binance"
	"quantguard/gate"
	"quantguard/i18n"
	"quantguard/ledger"
	"quantguard/lock"
	"quantguard/logger"
	"quantguard/marketdata"
	"quantguard/metrics"
	"quantguard/notify"
	"quantguard/order"
	"quantguard/risk"
	"quantguard/safety"
	"quantguard/scheduler"
	"quantguard/strategy"
	"quantguard/utils"
	"quantguard/web"
)

// Version 版本号
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("version", false, "显示版本号")
	flag.Parse()

	if *showVersion {
		fmt.Printf("quantguard %s\n", Version)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("❌ 加载配置失败: %v", err)
	}

	if err := logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		logger.Fatal("❌ 初始化日志失败: %v", err)
	}
	defer logger.Close()

	if err := utils.SetLocation(cfg.App.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，使用 UTC", cfg.App.Timezone, err)
	}
	if err := i18n.Init(cfg.Notifications.Language); err != nil {
		logger.Warn("⚠️ 初始化 i18n 失败: %v，将使用默认语言", err)
	}
	logger.Info("🚀 quantguard %s 启动, 交易所 %s, 模拟模式 %v", Version, cfg.Exchange.Name, cfg.Trading.DryRun)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := utils.RealClock{}
	pm := metrics.GetPrometheusMetrics()

	// 调用闸门：所有交易所请求共享同一个封禁冷却
	callGate := gate.New(gate.Config{
		MaxAttempts:   cfg.Gate.MaxAttempts,
		InitialDelay:  time.Duration(cfg.Gate.InitialDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.Gate.MaxDelayMs) * time.Millisecond,
		Multiplier:    cfg.Gate.Multiplier,
		JitterFactor:  cfg.Gate.JitterFactor,
		BanCooldown:   time.Duration(cfg.Gate.BanCooldownSeconds) * time.Second,
		CallTimeout:   time.Duration(cfg.Gate.CallTimeoutSeconds) * time.Second,
		RatePerSecond: cfg.Gate.RatePerSecond,
		Burst:         cfg.Gate.Burst,
	}, clock, pm.GateHooks())

	adapter, err := binance.NewAdapter(binance.Config{
		APIKey:    cfg.Exchange.APIKey,
		SecretKey: cfg.Exchange.SecretKey,
		Testnet:   cfg.Exchange.Testnet,
	})
	if err != nil {
		logger.Fatal("❌ 创建交易所适配器失败: %v", err)
	}
	if err := callGate.Do(ctx, "sync_time", adapter.SyncTime); err != nil {
		logger.Fatal("❌ 无法连接交易所: %v", err)
	}

	// 订单日志（可选）
	var db database.Database
	if cfg.Database.Enabled {
		db, err = database.NewDatabase(cfg.Database)
		if err != nil {
			logger.Fatal("❌ 初始化数据库失败: %v", err)
		}
		defer db.Close()
		logger.Info("✅ 数据库已连接 (%s)", cfg.Database.Type)
	}

	distLock, err := lock.NewDistributedLock(cfg.Lock, clock)
	if err != nil {
		logger.Fatal("❌ 初始化分布式锁失败: %v", err)
	}
	defer distLock.Close()

	// 账本
	medium, err := newLedgerMedium(cfg, db)
	if err != nil {
		logger.Fatal("❌ 初始化账本介质失败: %v", err)
	}
	store := ledger.NewStore(medium, clock)
	if err := store.Load(ctx); err != nil {
		logger.Fatal("❌ 加载账本失败: %v", err)
	}
	riskGate := risk.NewGate(store, cfg.Risk.DailyLossLimitPct)

	// 事件与通知
	eventBus := event.NewEventBus(1000)
	eventCenter := event.NewEventCenter(eventBus)
	notifier := notify.NewNotificationService(cfg)
	eventCenter.Register(notifier)
	eventCenter.Register(event.ProcessorFunc(func(ev *event.Event) {
		if ev.Type == event.EventTypeError {
			logger.Error("❌ [Event] %s", ev.String("message"))
		}
	}))
	eventCenter.Start()

	// 实时行情（可选）
	var prices scheduler.PriceFeed
	if cfg.MarketData.Enabled {
		stream := marketdata.NewBookTickerStream(cfg.MarketData.StreamURL,
			time.Duration(cfg.MarketData.TTLSeconds)*time.Second, clock)
		go stream.Run(ctx)
		prices = stream
	}

	ids, err := utils.NewOrderIDGenerator("qg", 1)
	if err != nil {
		logger.Fatal("❌ 创建订单ID生成器失败: %v", err)
	}
	execOpts := order.Options{
		Lock:          distLock,
		RatePerSecond: cfg.Gate.RatePerSecond,
		Burst:         cfg.Gate.Burst,
		IDs:           ids,
		Journal:       db,
		Metrics:       pm,
		Clock:         clock,
	}
	var live scheduler.Executor
	if cfg.Exchange.APIKey != "" && cfg.Exchange.SecretKey != "" {
		live = order.NewExecutor(adapter, callGate, execOpts)
	}
	paper := order.NewDryRunExecutor(execOpts)

	sched, err := scheduler.New(scheduler.ParamsFromConfig(cfg), scheduler.Options{
		Exchange: adapter,
		Gate:     callGate,
		Ledger:   store,
		Risk:     riskGate,
		Strategy: strategy.NewRSISMA(cfg.Strategy),
		Live:     live,
		Paper:    paper,
		Prices:   prices,
		Events:   eventBus,
		Journal:  db,
		Metrics:  pm,
		Clock:    clock,
	})
	if err != nil {
		logger.Fatal("❌ 创建调度器失败: %v", err)
	}

	// 配置热更新
	hotReloader := config.NewHotReloader(cfg)
	hotReloader.RegisterCallback(func(oldCfg, newCfg *config.Config, changes []config.ConfigChange) error {
		if !newCfg.Trading.DryRun && live == nil {
			return fmt.Errorf("未配置 API 凭证，不能关闭 dry_run")
		}
		riskGate.SetLimit(newCfg.Risk.DailyLossLimitPct)
		logger.SetLevel(logger.ParseLogLevel(newCfg.Log.Level))
		sched.SetParams(scheduler.ParamsFromConfig(newCfg))
		sched.SetStrategy(strategy.NewRSISMA(newCfg.Strategy))
		return nil
	})
	watcher, err := config.NewWatcher(*configPath, hotReloader)
	if err != nil {
		logger.Warn("⚠️ 创建配置监控失败: %v，配置热更新不可用", err)
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 启动配置监控失败: %v", err)
	} else {
		defer watcher.Stop()
		go logConfigChanges(ctx, watcher)
	}

	go metrics.NewSystemCollector(pm, 15*time.Second).Run(ctx)

	// 持仓对账：模拟成交不在交易所，只在实盘凭证可用时运行
	if live != nil && !cfg.Trading.DryRun && cfg.ReconcileInterval() > 0 {
		reconciler := safety.NewReconciler(adapter, callGate, store, distLock, eventBus, clock)
		if report, err := reconciler.Reconcile(ctx); err != nil {
			logger.Warn("⚠️ 启动对账失败: %v", err)
		} else if len(report.Mismatches) == 0 {
			logger.Info("✅ [Reconciler] 启动对账通过 (%d 个持仓)", report.Positions)
		}
		reconciler.Start(ctx, cfg.ReconcileInterval())
	}

	var webServer *web.WebServer
	if cfg.Web.Enabled {
		webServer = web.NewWebServer(web.Options{
			Host:  cfg.Web.Host,
			Port:  cfg.Web.Port,
			Debug: logger.ParseLogLevel(cfg.Log.Level) == logger.DEBUG,
		}, web.Providers{
			Exchange:  adapter.Name(),
			Ledger:    store,
			Scheduler: sched,
			Gate:      callGate,
			Stats:     pm.Stats(),
			Journal:   db,
		})
		webServer.Start(ctx)
	}

	eventBus.Publish(&event.Event{
		Type:      event.EventTypeSystemStart,
		Timestamp: clock.Now(),
		Data:      map[string]interface{}{"exchange": adapter.Name(), "dry_run": cfg.Trading.DryRun},
	})

	runErr := make(chan error, 1)
	go func() { runErr <- sched.Run(ctx) }()

	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var fatalErr error
	select {
	case sig := <-sigChan:
		logger.Info("🛑 收到退出信号 %v，开始优雅关闭...", sig)
		cancel()
		fatalErr = <-runErr
	case fatalErr = <-runErr:
		cancel()
	}

	// 已经发出的订单必须完成并记账
	sched.Shutdown()
	if webServer != nil {
		webServer.Stop()
	}

	eventBus.Publish(&event.Event{Type: event.EventTypeSystemStop, Timestamp: clock.Now()})
	eventCenter.Stop()
	notifier.Wait()

	if fatalErr != nil {
		logger.Error("❌ 调度器异常退出: %v", fatalErr)
		logger.Close()
		os.Exit(1)
	}
	logger.Info("✅ 程序已退出")
}

// newLedgerMedium 按配置选择账本介质
func newLedgerMedium(cfg *config.Config, db database.Database) (ledger.Medium, error) {
	switch cfg.Ledger.Type {
	case config.LedgerRedis:
		client := lock.NewRedisClient(cfg.Lock.Redis)
		logger.Info("📒 账本存储: redis %s key=%s", cfg.Lock.Redis.Addr, cfg.Ledger.Key)
		return ledger.NewRedisMedium(client, cfg.Ledger.Key), nil
	case config.LedgerDatabase:
		if db == nil {
			return nil, fmt.Errorf("账本类型为 database 但数据库未启用")
		}
		logger.Info("📒 账本存储: 数据库 %s key=%s", cfg.Database.Type, cfg.Ledger.Key)
		return ledger.NewBlobMedium(db, cfg.Ledger.Key), nil
	default:
		logger.Info("📒 账本存储: 文件 %s", cfg.Ledger.Path)
		return ledger.NewFileMedium(cfg.Ledger.Path), nil
	}
}

func logConfigChanges(ctx context.Context, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case diff := <-w.Diffs():
			if diff.RequiresRestart {
				logger.Warn("⚠️ [Config] 配置已变更，部分变更需要重启才能生效: %s", diff)
			} else {
				logger.Info("🔄 [Config] 配置已热更新: %s", diff)
			}
		case err := <-w.Errors():
			logger.Warn("⚠️ [Config] %v", err)
		}
	}
}
