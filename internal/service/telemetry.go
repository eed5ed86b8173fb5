package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/alert"
	"github.com/zxyfanta/emsv1-sub000/internal/buffer"
	"github.com/zxyfanta/emsv1-sub000/internal/cache"
	commondb "github.com/zxyfanta/emsv1-sub000/internal/common/database"
	mqttcommon "github.com/zxyfanta/emsv1-sub000/internal/common/mqtt"
	rediscommon "github.com/zxyfanta/emsv1-sub000/internal/common/redis"
	"github.com/zxyfanta/emsv1-sub000/internal/config"
	"github.com/zxyfanta/emsv1-sub000/internal/consumer"
	"github.com/zxyfanta/emsv1-sub000/internal/devicecache"
	"github.com/zxyfanta/emsv1-sub000/internal/httpapi"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
	"github.com/zxyfanta/emsv1-sub000/internal/notify"
	"github.com/zxyfanta/emsv1-sub000/internal/online"
	"github.com/zxyfanta/emsv1-sub000/internal/repository"
	"github.com/zxyfanta/emsv1-sub000/internal/scheduler"
)

// TelemetryService 遥测服务（整合各层）
//
// 生命周期：连接 → 预热缓存 → 启动周期任务/接入/管理接口 → 停止接入 → 停止周期任务 →
// 刷完剩余队列 → 关闭连接池与外部连接。
type TelemetryService struct {
	config     *config.Config
	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttcommon.Client
	logger     *zap.Logger

	// 各层组件
	cache       *cache.Client
	deviceRepo  *repository.DeviceRepository
	infoCache   *devicecache.InfoCache
	statusCache *devicecache.StatusCache
	syncPool    *devicecache.WorkerPool
	cacheSync   *devicecache.CacheSync
	buffer      *buffer.TelemetryBuffer
	flusher     *scheduler.FlushScheduler
	evaluator   *online.Evaluator
	engine      *alert.Engine
	notifier    *notify.Fanout
	events      *notify.StreamPublisher // 未启用事件流时为 nil
	pipeline    *Pipeline
	offline     *scheduler.OfflineChecker
	statusSync  *scheduler.StatusSync
	consumer    *consumer.MQTTConsumer
	httpServer  *http.Server

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	errCh    chan error
	stopOnce sync.Once
}

// NewTelemetryService 连接数据库、Redis 与 MQTT 并创建服务
func NewTelemetryService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	// 1. 连接数据库
	db, err := commondb.NewPostgresDB(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	// 2. 连接 Redis（不可用时仍可启动，缓存层会降级）
	rdb := rediscommon.NewRedisClient(&cfg.Redis)
	if err := commondb.PingWithRetry(ctx, cfg.Database.ConnectTimeout, logger, "redis",
		func(ctx context.Context) error { return rediscommon.Ping(ctx, rdb) }); err != nil {
		logger.Warn("Redis not reachable at startup, running in degraded mode", zap.Error(err))
	}

	// 3. 连接 MQTT
	var mq *mqttcommon.Client
	if cfg.MQTT.Enabled {
		mq, err = mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			rdb.Close()
			db.Close()
			return nil, err
		}
	}

	return newTelemetryService(cfg, db, rdb, mq, logger), nil
}

// newTelemetryService 用已建立的连接组装各层组件，mq 可为 nil
func newTelemetryService(cfg *config.Config, db *sql.DB, rdb *redis.Client, mq *mqttcommon.Client, logger *zap.Logger) *TelemetryService {
	s := &TelemetryService{
		config:     cfg,
		db:         db,
		redis:      rdb,
		mqttClient: mq,
		logger:     logger,
		errCh:      make(chan error, 4),
	}

	// Repository 层
	s.deviceRepo = repository.NewDeviceRepository(db, logger)
	telemetryRepo := repository.NewTelemetryRepository(db, logger)
	ruleRepo := repository.NewAlertRuleRepository(db, logger)
	recordRepo := repository.NewAlertRecordRepository(db, logger)

	// 缓存层
	s.cache = cache.NewClient(rdb, cache.Options{
		OpTimeout: cfg.Cache.OpTimeout,
		Breaker: cache.BreakerConfig{
			Enabled:          cfg.Cache.Breaker.Enabled,
			Name:             "redis",
			FailureThreshold: cfg.Cache.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Cache.Breaker.OpenTimeout,
			HalfOpenRequests: cfg.Cache.Breaker.HalfOpenRequests,
		},
	}, logger.Named("cache"))
	s.infoCache = devicecache.NewInfoCache(s.cache, s.deviceRepo, cfg.Cache.DeviceTTL, cfg.Cache.DeviceTTLJitter, logger)
	s.statusCache = devicecache.NewStatusCache(s.cache, s.deviceRepo, cfg.Cache.StatusTTL, logger)
	s.syncPool = devicecache.NewWorkerPool(cfg.Cache.SyncWorkers, cfg.Cache.SyncQueue)
	s.cacheSync = devicecache.NewCacheSync(s.cache, s.syncPool, cfg.Cache.SyncDelay, logger)

	// 事件出口
	s.notifier = notify.NewFanout(cfg.Notify.Timeout, logger.Named("notify"), s.publishers()...)

	// 写缓冲与刷新
	s.buffer = buffer.NewTelemetryBuffer(s.cache, telemetryRepo, buffer.Config{
		QueueMaxSize:   int64(cfg.Buffer.QueueMaxSize),
		LatestTTL:      cfg.Cache.LatestTTL,
		DirectFallback: cfg.Buffer.DirectFallback,
	}, logger.Named("buffer"))
	s.flusher = scheduler.NewFlushScheduler(s.buffer, telemetryRepo, s.notifier, scheduler.FlushConfig{
		BatchMaxSize:       cfg.Buffer.BatchMaxSize,
		Interval:           cfg.Buffer.FlushInterval,
		EmergencyInterval:  cfg.Buffer.EmergencyInterval,
		HighWaterRatio:     cfg.Buffer.HighWaterRatio,
		DropAlertThreshold: cfg.Buffer.DropAlertThreshold,
	}, logger.Named("flush"))

	// 在线状态与告警
	s.evaluator = online.NewEvaluator(s.cache, s.deviceRepo, cfg.Online.OnlineThreshold, cfg.Online.WarningThreshold, logger)
	s.engine = alert.NewEngine(ruleRepo, recordRepo, s.notifier, alert.Config{
		DefaultCooldownMinutes: cfg.Alert.DefaultCooldownMinutes,
		RuleCacheTTL:           cfg.Alert.RuleCacheTTL,
		OfflineEnabled:         cfg.Alert.OfflineEnabled,
		OfflineSeverity:        models.Severity(strings.ToUpper(cfg.Alert.OfflineSeverity)),
		CPMRiseMinCPM:          cfg.Alert.CPMRiseMinCPM,
		BuiltinEnabled:         cfg.Alert.BuiltinEnabled,
		CPMRisePercent:         cfg.Alert.CPMRisePercent,
		CPMRiseCooldownMinutes: cfg.Alert.CPMRiseCooldownMinutes,
		LowBatteryVoltage:      cfg.Alert.LowBatteryVoltage,
	}, logger.Named("alert"))

	s.pipeline = NewPipeline(s.infoCache, s.statusCache, s.engine, s.buffer, s.evaluator, s.notifier, logger.Named("ingest"))
	s.offline = scheduler.NewOfflineChecker(s.deviceRepo, s.evaluator, s.statusCache, s.engine, s.notifier,
		cfg.Online.OfflineCheckInterval, logger.Named("offline"))
	s.statusSync = scheduler.NewStatusSync(s.statusCache, cfg.Online.StatusSyncInterval, logger.Named("status_sync"))

	if mq != nil {
		s.consumer = consumer.NewMQTTConsumer(mq, s.pipeline, cfg.Ingest.Topic, cfg.MQTT.QoS, logger.Named("consumer"))
	}

	if cfg.HTTP.Addr != "" {
		s.httpServer = &http.Server{
			Addr:    cfg.HTTP.Addr,
			Handler: httpapi.NewRouter(s.adminHandler(), logger.Named("http")),
		}
	}

	return s
}

func (s *TelemetryService) publishers() []notify.Publisher {
	cfg := s.config.Notify
	var pubs []notify.Publisher
	if cfg.StreamEnabled {
		s.events = notify.NewStreamPublisher(s.redis, cfg.StreamPrefix, cfg.StreamMaxLen)
		pubs = append(pubs, s.events)
	}
	if cfg.MQTTEnabled && s.mqttClient != nil {
		pubs = append(pubs, notify.NewMQTTPublisher(s.mqttClient, cfg.MQTTTopic, s.config.MQTT.QoS))
	}
	if cfg.WebhookURL != "" {
		pubs = append(pubs, notify.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookTimeout))
	}
	return pubs
}

func (s *TelemetryService) adminHandler() *httpapi.AdminHandler {
	deps := httpapi.AdminDeps{
		Buffer:      s.buffer,
		Flush:       s.flusher,
		Cache:       s.cache,
		InfoCache:   s.infoCache,
		StatusCache: s.statusCache,
		Evictor:     s.cacheSync,
		Online:      s.evaluator,
		Devices:     s.deviceRepo,
		Alerts:      s.engine,
		Extra:       s.runtimeStats,
	}
	if s.events != nil {
		deps.Events = s.events
	}
	return httpapi.NewAdminHandler(deps, s.logger.Named("admin"))
}

func (s *TelemetryService) runtimeStats() map[string]any {
	published, failed := s.notifier.Stats()
	stats := map[string]any{
		"ingest": s.pipeline.Stats(),
		"notify": map[string]any{
			"publishers": s.notifier.Publishers(),
			"published":  published,
			"failed":     failed,
		},
		"device_info": map[string]int64{
			"store_loads": s.infoCache.StoreLoads(),
			"fallbacks":   s.infoCache.Fallbacks(),
		},
	}
	if s.consumer != nil {
		stats["consumer"] = s.consumer.Stats()
	}
	return stats
}

// Pipeline 返回接入流程（供其他接入方式复用）
func (s *TelemetryService) Pipeline() *Pipeline {
	return s.pipeline
}

// Errors 后台组件的致命错误（如 HTTP 监听失败）
func (s *TelemetryService) Errors() <-chan error {
	return s.errCh
}

// Start 预热缓存并启动后台任务，立即返回
func (s *TelemetryService) Start(ctx context.Context) error {
	s.logger.Info("Starting telemetry service")

	// 预热失败不影响启动，缓存会在读取时按需回源
	if loaded, failed, err := s.infoCache.WarmUp(ctx); err != nil {
		s.logger.Warn("Device info warm-up failed", zap.Error(err))
	} else {
		s.logger.Info("Device info cache warmed up", zap.Int("loaded", loaded), zap.Int("failed", failed))
	}
	if loaded, failed, err := s.statusCache.WarmUp(ctx); err != nil {
		s.logger.Warn("Device status warm-up failed", zap.Error(err))
	} else {
		s.logger.Info("Device status cache warmed up", zap.Int("loaded", loaded), zap.Int("failed", failed))
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.goRun(func() { s.flusher.Run(runCtx) })
	s.goRun(func() { s.offline.Run(runCtx) })
	s.goRun(func() { s.statusSync.Run(runCtx) })

	if s.consumer != nil {
		s.goRun(func() {
			if err := s.consumer.Start(runCtx); err != nil {
				s.reportError(fmt.Errorf("mqtt consumer: %w", err))
			}
		})
	}

	if s.httpServer != nil {
		s.goRun(func() {
			s.logger.Info("Admin HTTP server listening", zap.String("addr", s.httpServer.Addr))
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.reportError(fmt.Errorf("http server: %w", err))
			}
		})
	}

	return nil
}

func (s *TelemetryService) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *TelemetryService) reportError(err error) {
	select {
	case s.errCh <- err:
	default:
		s.logger.Error("Service error dropped", zap.Error(err))
	}
}

// Stop 停止服务：先停接入，再停周期任务，最后把队列剩余样本全部落库
func (s *TelemetryService) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		stopErr = s.stop(ctx)
	})
	return stopErr
}

func (s *TelemetryService) stop(ctx context.Context) error {
	s.logger.Info("Stopping telemetry service")

	if s.consumer != nil {
		s.consumer.Stop()
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.HTTP.ShutdownTimeout)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shut down HTTP server", zap.Error(err))
		}
		cancel()
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs []error
	if flushed, err := s.flusher.FlushAllRemaining(ctx); err != nil {
		s.logger.Error("Failed to flush remaining samples", zap.Int64("flushed", flushed), zap.Error(err))
		errs = append(errs, err)
	} else {
		s.logger.Info("Remaining samples flushed", zap.Int64("flushed", flushed))
	}
	s.statusSync.SyncOnce(ctx)

	s.cacheSync.Close()
	s.syncPool.Close()

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := rediscommon.Close(s.redis); err != nil {
		s.logger.Error("Failed to close Redis", zap.Error(err))
	}
	if err := commondb.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
		errs = append(errs, err)
	}

	s.logger.Info("Telemetry service stopped")
	return errors.Join(errs...)
}
