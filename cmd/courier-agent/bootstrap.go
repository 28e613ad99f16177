package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/CourierTrack/config"
	"github.com/BearBump/CourierTrack/internal/broker/kafka"
	"github.com/BearBump/CourierTrack/internal/cache/rediscache"
	"github.com/BearBump/CourierTrack/internal/integrations/location"
	"github.com/BearBump/CourierTrack/internal/integrations/location/fake"
	"github.com/BearBump/CourierTrack/internal/integrations/location/gpsemu"
	"github.com/BearBump/CourierTrack/internal/jobs"
	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/BearBump/CourierTrack/internal/services/couriers"
	"github.com/BearBump/CourierTrack/internal/services/deliveries"
	"github.com/BearBump/CourierTrack/internal/services/tracking"
	"github.com/BearBump/CourierTrack/internal/storage/pgdelivery"
	"github.com/BearBump/CourierTrack/internal/storage/realtime"
)

type agentApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    agentOpts
	deps    agentDeps
	closers []func()
}

func mustBootstrapAgent() *agentApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config, %v", err))
	}
	setupLogger(cfg.Agent.LogLevel)

	grpcAddr := cfg.Agent.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}
	httpAddr := cfg.Agent.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.OrderChangesTopicName
	if topic == "" {
		topic = "orders.changed"
	}
	cacheTTL := time.Duration(cfg.Agent.CourierCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	courierName := cfg.Agent.CourierName
	if courierName == "" {
		courierName = os.Getenv("COURIER_NAME")
	}
	if courierName == "" {
		panic("agent.courier_name is required")
	}

	st := mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	group := cfg.Agent.ChangeFeedConsumerGroup
	store := realtime.New(st, producer, topic, func() realtime.Consumer {
		return kafka.NewConsumer(brokers, topic, group)
	})

	tracker := tracking.New(store, newLocationSource(cfg.Agent), rl).
		WithSettings(int64(cfg.Agent.PointsRateLimitPerMinute))
	resolver := couriers.New(store, rc, cacheTTL)
	ctrl := deliveries.New(store, tracker, resolver)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if _, err := ctrl.Bind(ctx, models.Actor{DisplayName: courierName}); err != nil {
		if _, ok := ctrl.Courier(); !ok {
			cancel()
			panic(fmt.Sprintf("failed to resolve courier %q: %v", courierName, err))
		}
		slog.Warn("initial order load failed", "error", err.Error())
	}

	return &agentApp{
		ctx:    ctx,
		cancel: cancel,
		opts: agentOpts{
			grpcAddr:    grpcAddr,
			httpAddr:    httpAddr,
			swaggerPath: swaggerPath,
		},
		deps: agentDeps{
			ctrl:    ctrl,
			tracker: tracker,
			feed:    store,
			resync:  jobs.NewResyncJob(ctrl, cfg.Agent.ResyncSchedule),
			ready: func(ctx context.Context) error {
				if err := st.Ping(ctx); err != nil {
					return err
				}
				return rc.Ping(ctx)
			},
		},
		closers: []func(){
			func() { _ = producer.Close() },
			func() { _ = rl.Close() },
			func() { _ = rc.Close() },
			st.Close,
		},
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func newLocationSource(cfg config.AgentConfig) location.Source {
	switch cfg.SamplerMode {
	case "emulator":
		slog.Info("using gps emulator", "base_url", cfg.SamplerEmulatorBaseURL, "device", cfg.SamplerDeviceID)
		return gpsemu.New(cfg.SamplerEmulatorBaseURL, cfg.SamplerDeviceID, cfg.SamplerEmulatorAPIKey)
	default:
		return fake.New()
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgdelivery.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgdelivery.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *agentApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, c := range a.closers {
		c()
	}
}

func (a *agentApp) Run() error {
	return runAgent(a.ctx, a.opts, a.deps)
}
