package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"talk-voting-backend/api"
	"talk-voting-backend/cache"
	"talk-voting-backend/config"
	"talk-voting-backend/database"
	"talk-voting-backend/handlers"
	"talk-voting-backend/mq"
	"talk-voting-backend/repository"
	"talk-voting-backend/routes"
	"talk-voting-backend/service"
	"talk-voting-backend/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("服务异常退出", "error", err)
		os.Exit(1)
	}
}

// newLogger 生产环境输出JSON，其余环境输出文本
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", cfg.ServiceName)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化数据库连接
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db, logger); err != nil {
			return err
		}
	}
	if cfg.Database.Seed {
		if err := database.Seed(db, logger); err != nil {
			logger.Warn("创建示例数据失败", "error", err)
		}
	}

	// 初始化Redis连接，失败时降级为无Redis模式
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewClient(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			logger.Warn("Redis初始化失败，以无Redis模式运行", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var store repository.Store = repository.NewGormStore(db)
	opts := []service.Option{service.WithLogger(logger)}
	var queue *mq.RedisMQ

	if redisClient != nil {
		bloom := cache.NewBloomFilter(redisClient, "voting_sessions", 5, cache.DefaultBloomBits)
		cached := repository.NewCachedStore(store, redisClient, bloom, cfg.SessionCacheTTL, logger)
		if err := cached.Warm(ctx); err != nil {
			logger.Warn("布隆过滤器预热失败，暂不拦截未知会话", "error", err)
		}
		store = cached

		opts = append(opts, service.WithLocker(cache.NewLockService(redisClient, cache.WithLockLogger(logger))))

		if cfg.MQ.RollupQueue {
			queue = mq.NewRedisMQ(redisClient, mq.WithQueueLogger(logger))
			opts = append(opts, service.WithRatingDispatcher(queue))
		}
	}

	svc := service.NewVotingService(store, opts...)
	defer svc.Close()

	if queue != nil {
		queue.RegisterHandler(svc.ApplyTalkRating)
		if err := queue.Start(); err != nil {
			return err
		}
		defer queue.Stop()
	}

	// 实时推送：Hub订阅事件中转，投票服务的事件经中转广播到所有实例
	hub := websocket.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	relay := mq.NewEventRelay(mq.RelayConfig{
		Driver:      cfg.MQ.Driver,
		Channel:     cfg.MQ.Channel,
		NameServers: cfg.MQ.NameServers,
		Group:       cfg.MQ.Group,
	}, redisClient, logger)
	defer func() {
		if err := relay.Close(); err != nil {
			logger.Warn("关闭事件中转失败", "error", err)
		}
	}()
	if err := relay.Subscribe(hubCtx, hub.BroadcastEvent); err != nil {
		return err
	}
	mq.Bridge(svc, relay, logger)

	// 启动时结束上次运行遗留的过期会话
	if cleaned, err := svc.CleanupExpiredSessions(ctx); err != nil {
		logger.Error("启动时清理过期会话失败", "count", cleaned, "error", err)
	} else {
		logger.Info("启动时清理过期会话完成", "count", cleaned)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweeperDone := routes.StartSessionSweeper(sweepCtx, svc, cfg.CleanupInterval, logger)

	deps := routes.Dependencies{
		Voting:         api.NewVotingController(svc, logger),
		SSE:            handlers.NewSSEHandler(hub, svc, handlers.DefaultHeartbeatInterval, logger),
		WebSocket:      websocket.NewHandler(hub, svc, cfg.AllowedOrigins, logger),
		Health:         handlers.NewHealthHandler(db, pinger(redisClient), svc, hub, relay.Name()),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}
	// nil的*mq.RedisMQ不能直接作为接口传入
	var rollups handlers.RollupQueue
	if queue != nil {
		rollups = queue
	}
	deps.Admin = handlers.NewAdminHandler(cfg.AdminKey, svc, rollups, logger)
	if cfg.RateLimit.Enabled {
		deps.RateLimiter = handlers.NewRateLimiter(newRateLimiter(cfg.RateLimit, redisClient), cfg.RateLimit.Strategy, handlers.VoterKey, logger)
	}

	srv := routes.StartServer(routes.SetupRouter(deps), cfg.Port, logger)

	// 等待中断信号以优雅地关闭服务器
	<-ctx.Done()
	logger.Info("关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// 不接受新请求并等待现有请求完成
	shutdownErr := srv.Shutdown(shutdownCtx)

	stopSweep()
	<-sweeperDone
	stopHub()

	logger.Info("服务器优雅关闭")
	return shutdownErr
}

// newRateLimiter 有Redis时使用分布式限流，否则使用进程内令牌桶
func newRateLimiter(cfg config.RateLimitConfig, client *redis.Client) cache.RateLimiter {
	if client == nil {
		return cache.NewLocalRateLimiter(float64(cfg.RPS), cfg.Burst)
	}
	if cfg.Strategy == config.RateLimitSlidingWindow {
		return cache.NewSlidingWindowRateLimiter(client, "vote_api", cfg.Window, cfg.Burst)
	}
	return cache.NewTokenBucketRateLimiter(client, "vote_api", cfg.RPS, cfg.Burst)
}

// pinger 避免把nil的*redis.Client包装成非nil接口
func pinger(client *redis.Client) handlers.RedisPinger {
	if client == nil {
		return nil
	}
	return client
}

func closeDB(db *gorm.DB, logger *slog.Logger) {
	if err := database.Close(db); err != nil {
		logger.Warn("关闭数据库失败", "error", err)
	}
}
