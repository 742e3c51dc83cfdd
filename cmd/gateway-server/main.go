package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/iotgateway/gateway-core/internal/api"
	"github.com/iotgateway/gateway-core/internal/broadcast"
	"github.com/iotgateway/gateway-core/internal/config"
	"github.com/iotgateway/gateway-core/internal/dispatch"
	"github.com/iotgateway/gateway-core/internal/ingest"
	"github.com/iotgateway/gateway-core/internal/metrics"
	"github.com/iotgateway/gateway-core/internal/mqtt"
	"github.com/iotgateway/gateway-core/internal/registry"
	"github.com/iotgateway/gateway-core/internal/server"
	"github.com/iotgateway/gateway-core/internal/stats"
	"github.com/iotgateway/gateway-core/internal/storage"
	"github.com/iotgateway/gateway-core/pkg/codec"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "config/gateway-server.yml", "Configuration file path")
	validateOnly := flag.Bool("validate", false, "Validate the configuration and exit")
	flag.Parse()

	// Setup logging
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Log)

	if *validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("configuration OK")
		return
	}
	cfg.PrintConfigSummary()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Gateway server failed")
	}
	log.Info().Msg("Gateway server stopped")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		log.Warn().Str("level", cfg.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	if cfg.DSN == "" {
		log.Warn().Msg("No database configured, telemetry is kept in memory")
		return storage.NewMemoryStore(), nil
	}

	store, err := storage.NewPostgresStore(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	log.Info().Msg("Connected to database")
	return store, nil
}

func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	return nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error().Err(err).Str("subject", subject).Msg("NATS error")
		}),
	)
}

func run(ctx context.Context, cfg *config.Config) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// Statistics, restored from the last flush
	intervals := codec.Intervals()
	for cmd, iv := range cfg.Stats.Intervals {
		intervals[cmd] = iv
	}
	agg := stats.New(stats.Options{
		Shards:     cfg.Stats.Shards,
		Intervals:  intervals,
		GraceRatio: cfg.Stats.GraceRatio,
		Metrics:    m,
	})
	if n, err := agg.Restore(ctx, store); err != nil {
		log.Warn().Err(err).Msg("Failed to restore statistics, starting from zero")
	} else {
		log.Info().Int("counters", n).Msg("Statistics restored")
	}

	sessions := registry.New(cfg.Registry.Shards)

	// Live fan-out, mirrored onto NATS when configured
	hub := broadcast.NewHub(broadcast.HubOptions{
		SendBuffer:     cfg.API.WSSendBuffer,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Metrics:        m,
		Normalize:      registry.NormalizeClientID,
	})
	defer hub.Close()
	var out broadcast.Broadcaster = hub

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")
		nc, err = connectNATS(cfg.NATS)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
			out = broadcast.Multi{hub, broadcast.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix+".events")}
		}
	}

	topics := mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}
	encoding := codec.WireEncoding(cfg.MQTT.Encoding)

	broker := mqtt.NewClient(mqtt.Options{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	})

	presence := ingest.NewPresence(sessions, out, m)
	pipeline := ingest.NewPipeline(ingest.Config{
		Workers:        cfg.Ingest.Workers,
		QueueSize:      cfg.Ingest.QueueSize,
		Encoding:       encoding,
		PersistTimeout: cfg.Ingest.PersistTimeout,
		Topics:         topics,
	}, sessions, presence, store, agg, out, m)

	dispatcher := dispatch.New(sessions, broker, store, m, dispatch.Config{
		QoS:            cfg.MQTT.QoS,
		PublishTimeout: cfg.Dispatch.PublishTimeout,
		Encoding:       encoding,
		Topics:         topics,
	})

	pipeline.Start(ctx)

	for _, topic := range []string{topics.UpWildcard(), topics.StatusWildcard()} {
		if err := broker.Subscribe(topic, cfg.MQTT.QoS, pipeline.HandleMQTT); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.MQTT.ConnectTimeout)
	if err := broker.Connect(connectCtx); err != nil {
		// paho keeps retrying in the background
		log.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT broker not reachable yet")
	}
	cancel()

	checks := map[string]api.HealthCheck{
		"store": store.Ping,
		"mqtt": func(context.Context) error {
			if !broker.IsConnected() {
				return mqtt.ErrNotConnected
			}
			return nil
		},
	}
	if nc != nil {
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}
	}

	apiServer := api.NewRESTServer(cfg, api.Deps{
		Store:      store,
		Sessions:   sessions,
		Statistics: agg,
		Dispatcher: dispatcher,
		Live:       hub,
		Gatherer:   promReg,
		Checks:     checks,
	})

	g, gctx := errgroup.WithContext(ctx)

	// Start API server
	g.Go(func() error {
		if err := apiServer.ListenAndServe(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("REST API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		sessions.Run(gctx, cfg.Registry.CleanupInterval, cfg.Registry.SessionTTL, presence.Expired)
		return nil
	})

	g.Go(func() error {
		return presence.Run(gctx, cfg.Ingest.StatusInterval)
	})

	runner := &stats.Runner{
		Aggregator:    agg,
		Store:         store,
		SweepInterval: cfg.Stats.SweepInterval,
		FlushInterval: cfg.Stats.FlushInterval,
		// pushed through the device's ingest worker to keep per-device order
		OnChange: func(deviceID string) {
			if err := pipeline.NotifyStats(deviceID); err != nil {
				log.Warn().Err(err).Str("deviceId", deviceID).Msg("statistics push not queued")
			}
		},
	}
	g.Go(func() error {
		return runner.Run(gctx)
	})

	if nc != nil {
		subscriber := server.NewNATSSubscriber(nc, cfg.NATS.SubjectPrefix, dispatcher, agg, sessions)
		g.Go(func() error {
			return subscriber.Start(gctx)
		})
	}

	log.Info().Str("addr", cfg.Addr()).Str("broker", cfg.MQTT.Broker).Msg("Gateway server started")

	err = g.Wait()

	// stop intake, then drain what is queued
	broker.Disconnect()
	pipeline.Stop()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if _, ferr := agg.Flush(flushCtx, store); ferr != nil {
		log.Error().Err(ferr).Msg("Final statistics flush failed")
	}
	if ferr := presence.Flush(flushCtx); ferr != nil {
		log.Warn().Err(ferr).Msg("Final status broadcast failed")
	}

	return err
}
