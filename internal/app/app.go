package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"sos-emergency/common/database"
	mqttcommon "sos-emergency/common/mqtt"
	rediscommon "sos-emergency/common/redis"
	"sos-emergency/internal/config"
	"sos-emergency/internal/consumer"
	"sos-emergency/internal/contacts"
	httpapi "sos-emergency/internal/http"
	"sos-emergency/internal/publisher"
	"sos-emergency/internal/repository"
	"sos-emergency/internal/scheduler"
	"sos-emergency/internal/service"
	"sos-emergency/internal/timer"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const connectTimeout = 5 * time.Second

// App 紧急告警服务（整合各层）
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	service          *service.EmergencyService
	reconciler       *service.Reconciler
	server           *service.Server
	deviceConsumer   *consumer.DeviceConsumer
	locationConsumer *consumer.LocationConsumer

	wg sync.WaitGroup
}

// New 创建服务
// 数据库启用但不可用时返回错误；Redis / MQTT 不可用时降级运行
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	// 1. 存储
	var (
		emergencies repository.EmergencyRepository
		acks        repository.AcknowledgmentRepository
	)
	if cfg.Database.Enabled {
		db, err := database.NewPostgresDB(ctx, &cfg.Database.DatabaseConfig, connectTimeout)
		if err != nil {
			return nil, err
		}
		if err := repository.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		a.db = db
		emergencies = repository.NewPostgresEmergencyRepository(db, logger)
		acks = repository.NewPostgresAcknowledgmentRepository(db, logger)
		logger.Info("Using PostgreSQL store", zap.String("database", cfg.Database.Redacted()))
	} else {
		emergencies, acks = repository.NewMemoryRepositories()
		logger.Warn("Database disabled, using in-memory store")
	}

	// 2. 事件发布
	var pub publisher.Publisher = publisher.NewLogPublisher(logger)
	if cfg.Redis.Enabled {
		client := rediscommon.NewRedisClient(&cfg.Redis.RedisConfig)
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := rediscommon.Ping(pingCtx, client)
		cancel()
		if err != nil {
			logger.Warn("Redis unavailable, events will only be logged", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			client.Close()
		} else {
			a.redisClient = client
			pub = publisher.NewRedisStreamPublisher(client, publisher.Streams{
				Activated:    cfg.Streams.Activated,
				Resolved:     cfg.Streams.Resolved,
				Cancelled:    cfg.Streams.Cancelled,
				Acknowledged: cfg.Streams.Acknowledged,
				Escalated:    cfg.Streams.Escalated,
			}, logger)
		}
	}

	// 3. 联系人目录：目录服务优先，配置的兜底联系人其次
	var dirs []contacts.Directory
	if cfg.Contacts.DirectoryURL != "" {
		dirs = append(dirs, contacts.NewHTTPDirectory(cfg.Contacts.DirectoryURL,
			cfg.Contacts.DirectoryTimeout, cfg.Contacts.DirectoryRetries, logger))
	}
	dirs = append(dirs, contacts.NewStaticDirectory(cfg.Contacts.Secondary))
	directory := contacts.NewChain(logger, dirs...)

	// 4. 调度器
	escalation := scheduler.NewEscalationScheduler(
		timer.NewMemoryRegistry("escalation", logger),
		emergencies, acks, directory, pub,
		cfg.Emergency.EscalationTimeout, cfg.Emergency.TimerFireTimeout, logger,
	)
	countdown := scheduler.NewCountdownScheduler(
		timer.NewMemoryRegistry("countdown", logger),
		emergencies, pub, escalation, cfg.Emergency.TimerFireTimeout, logger,
	)

	// 5. 编排服务
	a.service = service.NewEmergencyService(emergencies, acks, pub, countdown, escalation, service.EmergencyServiceConfig{
		DefaultCountdownSeconds:     cfg.Emergency.CountdownSeconds,
		AutoTriggerCountdownSeconds: cfg.Emergency.AutoTriggerCountdownSeconds,
		MaxCountdownSeconds:         cfg.Emergency.MaxCountdownSeconds,
	}, logger)

	if cfg.Reconcile.Enabled {
		a.reconciler = service.NewReconciler(emergencies, acks, countdown, escalation,
			cfg.Reconcile.Schedule, cfg.Reconcile.BatchSize, logger)
	}

	// 6. 入站：MQTT 设备事件、位置流
	if cfg.MQTT.Enabled {
		client, err := mqttcommon.NewClient(&cfg.MQTT.MQTTConfig, logger)
		if err != nil {
			logger.Warn("MQTT unavailable, device ingress disabled", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		} else {
			a.mqttClient = client
			a.deviceConsumer = consumer.NewDeviceConsumer(client, a.service, cfg.MQTT.DeviceTopic, cfg.MQTT.QoS, logger)
		}
	}
	if a.redisClient != nil {
		a.locationConsumer = consumer.NewLocationConsumer(a.redisClient, a.service,
			cfg.Streams.Location, cfg.Streams.ConsumerGroup, cfg.Streams.ConsumerName, logger)
	}

	// 7. HTTP
	router := httpapi.NewRouter(logger)
	router.RegisterEmergencyRoutes(httpapi.NewEmergencyHandler(a.service, logger))
	router.RegisterHealthRoutes(a.readinessChecks())
	a.server = service.NewServer(cfg.HTTP.Addr, router, logger)

	return a, nil
}

func (a *App) readinessChecks() map[string]httpapi.ReadinessCheck {
	checks := map[string]httpapi.ReadinessCheck{}
	if a.db != nil {
		checks["database"] = func(ctx context.Context) error { return a.db.PingContext(ctx) }
	}
	if a.redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return rediscommon.Ping(ctx, a.redisClient) }
	}
	if a.mqttClient != nil {
		checks["mqtt"] = func(context.Context) error {
			if !a.mqttClient.IsConnected() {
				return errors.New("mqtt not connected")
			}
			return nil
		}
	}
	return checks
}

// Service 编排服务
func (a *App) Service() *service.EmergencyService {
	return a.service
}

// Start 启动后台组件并阻塞运行 HTTP 服务，直到 Stop 或出错
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("Starting sos-emergency service",
		zap.Bool("database", a.db != nil),
		zap.Bool("redis", a.redisClient != nil),
		zap.Bool("mqtt", a.mqttClient != nil),
	)

	if a.reconciler != nil {
		if err := a.reconciler.Start(ctx); err != nil {
			return err
		}
	}
	if a.deviceConsumer != nil {
		if err := a.deviceConsumer.Start(); err != nil {
			return err
		}
	}
	if a.locationConsumer != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.locationConsumer.Start(ctx); err != nil {
				a.logger.Error("Location consumer stopped with error", zap.Error(err))
			}
		}()
	}

	return a.server.Start()
}

// Stop 按依赖逆序关闭
// 计时器只停止不改状态，重启后由对账补建
func (a *App) Stop(ctx context.Context) {
	a.logger.Info("Stopping sos-emergency service")

	if err := a.server.Stop(ctx); err != nil {
		a.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	if a.deviceConsumer != nil {
		a.deviceConsumer.Stop()
	}
	if a.reconciler != nil {
		a.reconciler.Stop()
	}
	a.service.Shutdown()
	a.wg.Wait()

	if a.mqttClient != nil {
		a.mqttClient.Disconnect()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Error("Failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Failed to close database", zap.Error(err))
		}
	}
}
