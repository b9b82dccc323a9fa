package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/api/handlers"
	"github.com/BaSui01/agentroom/config"
	"github.com/BaSui01/agentroom/directory"
	"github.com/BaSui01/agentroom/evaluation"
	"github.com/BaSui01/agentroom/internal/database"
	"github.com/BaSui01/agentroom/internal/metrics"
	"github.com/BaSui01/agentroom/internal/pool"
	"github.com/BaSui01/agentroom/internal/server"
	"github.com/BaSui01/agentroom/internal/telemetry"
	"github.com/BaSui01/agentroom/ledger"
	"github.com/BaSui01/agentroom/llm"
	"github.com/BaSui01/agentroom/notify"
	"github.com/BaSui01/agentroom/orchestrator"
	"github.com/BaSui01/agentroom/store"
)

// dbStatsInterval 连接池指标采样间隔
const dbStatsInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the AgentRoom server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := initLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		logger.Info("Starting AgentRoom",
			zap.String("version", Version),
			zap.String("build_time", BuildTime),
			zap.String("git_commit", GitCommit),
		)

		srv := NewServer(cfg, logger)
		if err := srv.Start(cmd.Context()); err != nil {
			srv.Shutdown(context.Background())
			return err
		}
		err = srv.WaitForShutdown(cmd.Context())
		logger.Info("AgentRoom stopped")
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装 AgentRoom 的全部组件
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 后台任务（限流清理、Redis 中继、连接池采样）的生命周期
	ctx    context.Context
	cancel context.CancelFunc

	telemetry   *telemetry.Providers
	db          *database.PoolManager
	store       *store.GormStore
	redis       *redis.Client
	collector   *metrics.Collector
	hub         *notify.Hub
	pipelines   *pool.GoroutinePool
	orch        *orchestrator.Orchestrator
	health      *handlers.HealthHandler
	httpManager *server.Manager
	metricsMgr  *server.Manager
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 按依赖顺序初始化组件并启动两个监听器（非阻塞）
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	providers, err := telemetry.Init(s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	// 1. 存储
	if err := s.initStore(ctx); err != nil {
		return err
	}

	// 2. 指标
	s.collector = metrics.NewCollector("agentroom", s.logger)
	go s.sampleDBStats()

	// 3. 通知
	dispatcher, err := s.initNotify(ctx)
	if err != nil {
		return err
	}

	// 4. 编排器
	s.initOrchestrator(dispatcher)
	if s.cfg.Orchestrator.RecoverOnStart {
		n, err := s.orch.Resume(ctx, orchestrator.ResumeOptions{ResetLoads: true})
		if err != nil {
			return fmt.Errorf("resume tasks: %w", err)
		}
		s.logger.Info("interrupted tasks resumed", zap.Int("count", n))
	}

	// 5. HTTP
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis_enabled", s.cfg.Redis.Enabled),
		zap.Bool("jwt_enabled", s.cfg.Server.JWT.Enabled()),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initStore(ctx context.Context) error {
	pm, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}
	s.db = pm
	if s.cfg.Database.AutoMigrate {
		if err := store.AutoMigrate(pm.DB()); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}
	s.store = store.NewGormStore(pm, s.logger)

	if len(s.cfg.Agents) > 0 {
		n, err := syncAgents(ctx, s.store, s.cfg.Agents, s.logger)
		if err != nil {
			return fmt.Errorf("sync agents: %w", err)
		}
		s.logger.Info("agents synced from config", zap.Int("count", n))
	}
	return nil
}

// initNotify 构建消息分发器。启用 Redis 时 Hub 只经由中继接收，
// 每个实例的订阅者都能看到其他实例产生的事件。
func (s *Server) initNotify(ctx context.Context) (*notify.Dispatcher, error) {
	s.hub = notify.NewHub(s.logger)
	dispatcher := notify.NewDispatcher(s.store, nil, s.logger, notify.NewLogSink(s.logger))

	if !s.cfg.Redis.Enabled {
		dispatcher.AddSink(s.hub)
		return dispatcher, nil
	}

	client, err := notify.NewRedisClient(ctx, s.cfg.Redis)
	if err != nil {
		return nil, err
	}
	s.redis = client
	sink := notify.NewRedisSink(client, s.cfg.Redis.ChannelPrefix, s.logger)
	dispatcher.AddSink(sink)
	go func() {
		if err := sink.Relay(s.ctx, s.hub); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("redis relay stopped", zap.Error(err))
		}
	}()
	return dispatcher, nil
}

func (s *Server) initOrchestrator(dispatcher *notify.Dispatcher) {
	oc := s.cfg.Orchestrator

	agents := directory.New(s.store, s.logger, directory.WithObserver(s.collector))
	steps := ledger.New(s.store, nil, s.logger)

	var gen llm.Generator = llm.NewOpenAICompat(s.cfg.LLM, s.logger)
	if s.cfg.LLM.RPS > 0 {
		gen = llm.RateLimited(gen, llm.NewLimiter(s.cfg.LLM.RPS, s.cfg.LLM.Burst))
	}
	gen = llm.Instrumented(gen, s.collector, s.logger,
		llm.WithUsageEstimator(llm.NewEstimator(s.cfg.LLM.DefaultModel, s.logger)))

	evaluator := evaluation.NewAggregator(gen, agents, s.store, steps, s.logger,
		evaluation.WithCallTimeout(oc.EvaluationTimeout),
		evaluation.WithRecorder(s.collector))

	s.pipelines = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: oc.MaxConcurrentTasks,
		QueueSize:  oc.QueueSize,
		PanicHandler: func(key string, recovered any) {
			s.logger.Error("pipeline panicked", zap.String("task_id", key), zap.Any("panic", recovered))
		},
		ErrorHandler: func(key string, err error) {
			s.logger.Warn("pipeline drive failed", zap.String("task_id", key), zap.Error(err))
		},
	})

	s.orch = orchestrator.New(oc, orchestrator.Deps{
		Store:     s.store,
		Agents:    agents,
		Generator: gen,
		Ledger:    steps,
		Evaluator: evaluator,
		Notifier:  dispatcher,
		Runner:    s.pipelines,
		Metrics:   s.collector,
	}, s.logger)
}

// sampleDBStats 定期上报连接池状态
func (s *Server) sampleDBStats() {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		stats := s.db.Stats()
		s.collector.RecordDBConnections(s.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	s.health = handlers.NewHealthHandler(s.logger)
	s.health.RegisterCheck(handlers.NewCheck("database", s.store.Ping))
	if s.redis != nil {
		s.health.RegisterCheck(handlers.NewCheck("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	mux.HandleFunc("GET /health", s.health.HandleHealth)
	mux.HandleFunc("GET /healthz", s.health.HandleHealth)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	handlers.NewRoomHandler(s.store, s.orch, s.hub, s.logger).Register(mux)
	handlers.NewTaskHandler(s.orch, s.store, s.logger).Register(mux)

	s.httpManager = server.NewManager(s.buildHandler(mux), server.ConfigFrom(s.cfg.Server, s.cfg.Server.HTTPPort), s.logger)

	// 关闭顺序与注册顺序相反：先停流水线，最后关遥测
	s.httpManager.OnShutdown("telemetry", s.telemetry.Shutdown)
	s.httpManager.OnShutdown("database", func(context.Context) error { return s.db.Close() })
	if s.redis != nil {
		s.httpManager.OnShutdown("redis", func(context.Context) error { return s.redis.Close() })
	}
	s.httpManager.OnShutdown("background", func(context.Context) error {
		s.cancel()
		return nil
	})
	s.httpManager.OnShutdown("pipelines", s.pipelines.Close)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.String("addr", s.httpManager.Addr()))
	return nil
}

// buildHandler 构建中间件链，第一个中间件位于最外层
func (s *Server) buildHandler(mux http.Handler) http.Handler {
	sc := s.cfg.Server

	identity := HeaderIdentity(publicPaths)
	if sc.JWT.Enabled() {
		identity = JWTAuth(sc.JWT, publicPaths, s.logger)
	} else {
		s.logger.Warn("JWT is not configured; trusting the X-User-ID header")
	}

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		CORS(sc.CORSAllowedOrigins),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		identity,
	}
	if sc.RateLimitRPS > 0 {
		chain = append(chain, RateLimiter(s.ctx, float64(sc.RateLimitRPS), sc.RateLimitBurst, s.logger))
	}
	return Chain(mux, chain...)
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("Metrics server disabled")
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsMgr = server.NewManager(mux, server.ConfigFrom(s.cfg.Server, s.cfg.Server.MetricsPort), s.logger)
	if err := s.metricsMgr.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.String("addr", s.metricsMgr.Addr()))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞直到收到信号、ctx 结束或 API 监听器出错，然后关闭全部组件
func (s *Server) WaitForShutdown(ctx context.Context) error {
	// API 管理器负责信号监听，并在关闭时执行 OnShutdown 钩子
	err := s.httpManager.WaitForShutdown(ctx)
	if s.metricsMgr != nil {
		if mErr := s.metricsMgr.Shutdown(context.WithoutCancel(ctx)); mErr != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(mErr))
		}
	}
	return err
}

// Shutdown 优雅关闭所有服务。Start 失败后也可调用，只关闭已初始化的部分。
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("Starting graceful shutdown...")

	if s.metricsMgr != nil {
		if err := s.metricsMgr.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.httpManager != nil {
		// 同时执行 OnShutdown 钩子
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		return
	}

	// HTTP 服务未启动：手动释放已打开的资源
	if s.pipelines != nil {
		_ = s.pipelines.Close(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	_ = s.telemetry.Shutdown(ctx)
}
