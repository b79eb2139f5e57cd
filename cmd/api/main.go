// Package main is the entry point for the inbox API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	amqpfeed "github.com/capitalize-ai/inbox-sync/internal/amqp"
	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/config"
	"github.com/capitalize-ai/inbox-sync/internal/handler"
	"github.com/capitalize-ai/inbox-sync/internal/inbox"
	natsclient "github.com/capitalize-ai/inbox-sync/internal/nats"
	"github.com/capitalize-ai/inbox-sync/internal/service"
	"github.com/capitalize-ai/inbox-sync/internal/session"
	"github.com/capitalize-ai/inbox-sync/internal/store/postgres"
	"github.com/capitalize-ai/inbox-sync/internal/store/sqlite"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
	"github.com/capitalize-ai/inbox-sync/pkg/tracing"
)

const sweepInterval = time.Minute

// rowStore is what the server needs from a store driver.
type rowStore interface {
	backend.Store
	backend.Registrar
	Ping(ctx context.Context) error
}

// feed is a live event feed with its publishing side.
type feed struct {
	subscriber backend.Subscriber
	publisher  backend.Publisher
	connected  func() bool
	close      func()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting inbox server",
		zap.String("store", cfg.StoreDriver),
		zap.String("feed", cfg.FeedDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "inbox-sync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		os.Exit(1)
	}
	defer closeStore()

	events, err := openFeed(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open event feed", zap.Error(err))
		os.Exit(1)
	}
	defer events.close()

	// Commands made through the engines announce their effects on the feed.
	publishing := backend.Publishing(store, events.publisher, log)
	engines := backend.Combine(publishing, events.subscriber)

	sessions := session.New(
		session.EngineFactory(engines, cfg.FilterStateDir, log,
			inbox.WithPageSize(cfg.Inbox.PageSize),
			inbox.WithSearchWindow(cfg.Inbox.SearchWindow),
			inbox.WithThreadLimit(cfg.Inbox.ThreadLimit),
			inbox.WithPageCacheSize(cfg.Inbox.PageCacheSize),
			inbox.WithErrorBuffer(cfg.Inbox.ErrorBuffer),
			inbox.WithUnreadWhileOpen(cfg.Inbox.UnreadOnOpen),
		),
		cfg.SessionIdleTimeout,
		log,
	)
	defer func() {
		if err := sessions.Close(); err != nil {
			log.Warn("failed to close sessions", zap.Error(err))
		}
	}()
	go sessions.Run(ctx, sweepInterval)

	// Initialize services
	conversationSvc := service.NewConversationService(store, events.publisher, log)
	messageSvc := service.NewMessageService(publishing, store, log)

	// Initialize handlers
	router := handler.Router(handler.Routes{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"store": store.Ping,
			"feed": func(ctx context.Context) error {
				if !events.connected() {
					return errors.New("event feed not connected")
				}
				return nil
			},
		}),
		Inbox:             handler.NewInboxHandler(sessions, log),
		Stream:            handler.NewStreamHandler(sessions, originHosts(cfg.AllowedOrigins), log),
		Conversations:     handler.NewConversationHandler(conversationSvc, store, log),
		Messages:          handler.NewMessageHandler(messageSvc, log),
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	})

	// Create HTTP server. Live views are long lived, so the write timeout
	// does not apply to hijacked websocket connections.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (rowStore, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("postgres store ready")
		return store, pool.Close, nil

	default:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("sqlite health check: %w", err)
		}
		log.Info("sqlite store ready", zap.String("path", cfg.SQLitePath))
		return store, func() {
			if err := store.Close(); err != nil {
				log.Error("failed to close store", zap.Error(err))
			}
		}, nil
	}
}

func openFeed(ctx context.Context, cfg *config.Config, log *logger.Logger) (*feed, error) {
	switch cfg.FeedDriver {
	case config.FeedAMQP:
		amqpCfg := amqpfeed.Config{
			URL:         cfg.AMQPURL,
			Exchange:    cfg.AMQPExchange,
			QueuePrefix: cfg.AMQPQueue,
		}
		publisher, err := amqpfeed.NewPublisher(ctx, amqpCfg, log)
		if err != nil {
			return nil, fmt.Errorf("connect to broker: %w", err)
		}
		return &feed{
			subscriber: amqpfeed.NewFeed(amqpCfg, log),
			publisher:  publisher,
			connected:  publisher.IsConnected,
			close: func() {
				if err := publisher.Close(); err != nil {
					log.Warn("failed to close broker connection", zap.Error(err))
				}
			},
		}, nil

	case config.FeedMemory:
		loop := backend.NewLoopback()
		return &feed{
			subscriber: loop,
			publisher:  loop,
			connected:  func() bool { return true },
			close:      func() {},
		}, nil

	default:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		streams := natsclient.NewStreamManager(client, cfg.NATSSubject, log)
		if err := streams.EnsureStream(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
		return &feed{
			subscriber: streams,
			publisher:  streams,
			connected:  client.IsConnected,
			close:      client.Close,
		}, nil
	}
}

// originHosts turns CORS origins into websocket origin host patterns.
func originHosts(origins []string) []string {
	var hosts []string
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}
