package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	amqp_handler "staydesk.handoff/internal/adapters/handler/amqp"
	http_handler "staydesk.handoff/internal/adapters/handler/http"
	"staydesk.handoff/internal/adapters/handler/mqtt"
	redis_adapter "staydesk.handoff/internal/adapters/queue/redis"
	"staydesk.handoff/internal/adapters/repository/pg"
	"staydesk.handoff/internal/config"
	"staydesk.handoff/internal/core/logger"
	"staydesk.handoff/internal/core/ports"
	"staydesk.handoff/internal/core/services"
	"staydesk.handoff/internal/core/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize structured logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting StayDesk hand-off router", "version", cfg.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Initialize tracing
	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.Version, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			logger.Info("Tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Initialize adapters
	repo, err := pg.NewRepository(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to init postgres: %w", err)
	}
	defer repo.Close()

	var (
		queue       ports.TransferQueue
		manual      ports.ManualQueue
		redisClient *goredis.Client
		subscriber  ports.EventSubscriber
		sinks       []ports.EventSink
	)
	switch cfg.QueueBackend {
	case "redis":
		adapter, client, err := redis_adapter.NewRedisAdapter(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to init redis: %w", err)
		}
		defer client.Close()
		queue, manual, redisClient = adapter, redis_adapter.NewManualQueue(client), client
		// Redis pub/sub fans events out to every instance's websocket hub.
		sinks = append(sinks, adapter)
		subscriber = adapter
		logger.Info("Using redis queue backend")
	default:
		queue, manual = services.NewMemoryQueue(), services.NewMemoryManualQueue()
		logger.Info("Using in-memory queue backend")
	}

	switch cfg.NotifyBackend {
	case "mqtt":
		publisher, err := mqtt.NewPublisher(cfg.MQTTBrokerURL, "")
		if err != nil {
			logger.Error("Failed to init MQTT publisher, notifications disabled", "error", err)
			break
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	case "amqp":
		notifier, err := amqp_handler.NewNotifier(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error("Failed to init AMQP notifier, notifications disabled", "error", err)
			break
		}
		defer notifier.Close()
		sinks = append(sinks, notifier)
	}

	// Initialize domain services
	events := services.NewEventBus(1024, sinks...)
	if subscriber == nil {
		subscriber = events
	}

	scorer := services.NewScorer(services.ScoringWeights{
		Available:   cfg.Weights.Available,
		Busy:        cfg.Weights.Busy,
		Away:        cfg.Weights.Away,
		LoadPenalty: cfg.Weights.LoadPenalty,
		SkillBonus:  cfg.Weights.SkillBonus,
	}, cfg.HeartbeatTimeout)
	presence := services.NewPresenceTracker(repo, scorer, events)
	if err := presence.Load(ctx, repo); err != nil {
		return err
	}

	guests, err := pg.NewCachedGuestDirectory(pg.NewGuestStore(repo.DB()), cfg.GuestCacheBytes, cfg.GuestCacheTTL)
	if err != nil {
		return fmt.Errorf("failed to init guest cache: %w", err)
	}
	handoff := services.NewHandoffBuilder(pg.NewConversationStore(repo.DB()), guests, cfg.RecentMessages, cfg.ContextTimeout)

	sla, err := services.NewSLARecorder(repo, repo, repo, events, services.SLAOptions{
		QueueWaitSLA:      cfg.QueueWaitSLA,
		DefaultTimezone:   cfg.DefaultTimezone,
		PropertyTimezones: cfg.PropertyTimezones,
	})
	if err != nil {
		return err
	}

	manager := services.NewAssignmentManager(repo, repo, queue, manual, presence, handoff, sla, events)
	dispatcher := services.NewDispatcher(queue, manager, services.DispatcherConfig{
		Interval:    cfg.DispatchInterval,
		MaxAttempts: cfg.MaxDispatchAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	})
	manager.OnEnqueue(dispatcher.Notify)
	presence.OnAvailabilityChange(dispatcher.NotifyAvailability)

	if _, err := manager.RestoreQueue(ctx); err != nil {
		return err
	}

	monitor := services.NewAgentMonitor(presence, manager, repo, manual, cfg.SweepInterval)

	scheduler := services.NewScheduler()
	if err := scheduler.Add("sla-breach-scan", cfg.SLAScanSchedule, func(ctx context.Context) error {
		_, err := sla.ScanBreaches(ctx)
		return err
	}); err != nil {
		return err
	}

	health := services.NewHealthService(repo.DB(), redisClient, presence, queue, cfg.Version)
	hub := http_handler.NewHub(subscriber)

	httpServer := http_handler.NewServer(http_handler.Deps{
		Presence:    presence,
		Manager:     manager,
		Dispatcher:  dispatcher,
		SLA:         sla,
		Health:      health,
		Transfers:   repo,
		Assignments: repo,
		Queue:       queue,
		Manual:      manual,
		Hub:         hub,
	}, http_handler.Options{
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		RateLimitBurst:  cfg.RateLimitBurst,
		ServiceName:     cfg.ServiceName,
	})
	defer httpServer.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return monitor.Start(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return hub.Consume(ctx) })
	g.Go(func() error {
		logger.Info("HTTP Server starting", "port", cfg.HTTPPort)
		return httpServer.Run(ctx, ":"+cfg.HTTPPort)
	})

	return g.Wait()
}
