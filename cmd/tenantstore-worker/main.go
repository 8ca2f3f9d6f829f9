// Package main is the entry point for the tenantstore worker: it dispatches
// storage events against tenant storage and delivers their webhooks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/bleepstore/tenantstore/internal/auth"
	"github.com/bleepstore/tenantstore/internal/config"
	"github.com/bleepstore/tenantstore/internal/events"
	"github.com/bleepstore/tenantstore/internal/httppool"
	"github.com/bleepstore/tenantstore/internal/logging"
	"github.com/bleepstore/tenantstore/internal/metrics"
	"github.com/bleepstore/tenantstore/internal/queue"
	"github.com/bleepstore/tenantstore/internal/server"
	"github.com/bleepstore/tenantstore/internal/storage"
	"github.com/bleepstore/tenantstore/internal/tenant"
	"github.com/bleepstore/tenantstore/internal/webhook"
)

// workerPoolName labels the connection pool shared by worker backends.
const workerPoolName = "s3_worker"

func main() {
	configPath := flag.String("config", "tenantstore.yaml", "path to configuration file")
	opsAddr := flag.String("ops-addr", "", "override ops server address (default: from config or 0.0.0.0:9100)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	enqueue := flag.String("enqueue", "", "publish the event in this JSON file (- for stdin) to the queue and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *opsAddr != "" {
		cfg.Server.OpsAddr = *opsAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if *enqueue != "" {
		if err := enqueueEvent(cfg, *enqueue); err != nil {
			fmt.Fprintf(os.Stderr, "failed to enqueue event: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "worker error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	workerPool := httppool.NewLazy(workerPoolName, cfg.Storage.Region, httppool.Options{
		MaxSockets: cfg.Storage.MaxSockets,
	})
	backends, err := backendFactory(cfg, workerPool)
	if err != nil {
		return err
	}

	creds, err := tenant.NewJWTCredentialResolver(cfg.Auth.JWTSecret, cfg.Auth.ServiceRole, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	conns := tenant.NewSQLConnectionResolver(tenant.SQLConnectionOptions{
		Driver:          cfg.Database.Driver,
		DSNTemplate:     cfg.Database.DSNTemplate,
		AllowedHosts:    cfg.Database.AllowedHosts,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	defer conns.Close()

	sender, closeSender, err := newSender(cfg)
	if err != nil {
		return err
	}
	defer closeSender()

	dispatcher := events.NewDispatcher(events.DispatcherOptions{
		Resolver: tenant.NewResolver(creds, conns),
		Backends: backends,
		Sender:   sender,
		Region:   cfg.Server.Region,
		Bucket:   cfg.Storage.Bucket,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srvOpts := []server.ServerOption{
		server.WithDispatcher(dispatcher),
		server.WithLogger(logger),
		server.WithAuth(auth.Middleware(creds, cfg.Auth.ServiceRole)),
		server.WithReadinessCheck("storage", func(ctx context.Context) error {
			backend, err := backends(ctx)
			if err != nil {
				return err
			}
			if checker, ok := backend.(bucketChecker); ok {
				return checker.CheckBucket(ctx, cfg.Storage.Bucket)
			}
			return nil
		}),
	}

	var consumer *queue.Consumer
	if cfg.Queue.Enabled {
		consumer, err = queue.Dial(cfg.Queue.NATSURL, queueOptions(cfg), dispatcher, logger)
		if err != nil {
			return err
		}
		if err := consumer.Start(ctx); err != nil {
			if serr := consumer.Stop(context.Background()); serr != nil {
				slog.Warn("Queue consumer stop error", "error", serr)
			}
			return err
		}
	}

	srv := server.New(srvOpts...)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Ops server listening", "addr", cfg.Server.OpsAddr)
		if err := srv.ListenAndServe(cfg.Server.OpsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT: stop consuming, drain in-flight requests and webhooks,
	// then release pools and samplers.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if consumer != nil {
		if err := consumer.Stop(shutdownCtx); err != nil {
			slog.Warn("Queue consumer stop error", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
	cancel()

	waitOrTimeout(shutdownCtx, dispatcher.Close)
	httppool.StopWatchers()
	workerPool.Close()
	slog.Info("Worker stopped")
	return runErr
}

// bucketChecker is implemented by backends that can verify the storage bucket.
type bucketChecker interface {
	CheckBucket(ctx context.Context, bucket string) error
}

// backendFactory returns the factory building worker backends. The AWS
// configuration is loaded once; S3 backends are built per event on it and the
// shared worker pool. The memory backend is a single process-wide instance.
func backendFactory(cfg *config.Config, pool *httppool.Lazy) (events.BackendFactory, error) {
	switch cfg.Storage.Backend {
	case "memory":
		mem := storage.NewMemoryBackend(0)
		slog.Info("Storage backend initialized", "backend", "memory")
		return func(ctx context.Context) (storage.Backend, error) { return mem, nil }, nil
	case "s3":
		opts := storage.S3Options{
			Endpoint:        cfg.Storage.Endpoint,
			Region:          cfg.Storage.Region,
			ForcePathStyle:  cfg.Storage.ForcePathStyle,
			AccessKey:       cfg.Storage.AccessKey,
			SecretKey:       cfg.Storage.SecretKey,
			RequestTimeout:  cfg.Storage.RequestTimeout,
			DownloadTimeout: cfg.Storage.DownloadTimeout,
			UploadTimeout:   cfg.Storage.UploadTimeout,
		}
		awsCfg, err := storage.LoadS3Config(context.Background(), opts)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "s3", "bucket", cfg.Storage.Bucket, "region", cfg.Storage.Region)
		return func(ctx context.Context) (storage.Backend, error) {
			perEvent := opts
			perEvent.Pool = pool.Get()
			return storage.NewS3BackendFromConfig(awsCfg, perEvent), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// newSender builds the configured webhook sender and its release function.
func newSender(cfg *config.Config) (events.Sender, func(), error) {
	switch cfg.Webhook.Sender {
	case "http":
		pool := httppool.New("webhook", cfg.Server.Region, httppool.Options{})
		s := webhook.NewHTTPSender(webhook.HTTPOptions{
			URL:         cfg.Webhook.URL,
			Client:      pool.Client(cfg.Webhook.Timeout),
			MaxAttempts: cfg.Webhook.MaxAttempts,
		})
		return s, pool.Close, nil
	case "nats":
		s, err := webhook.DialNATS(cfg.Webhook.NATSURL, cfg.Webhook.Subject)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Warn("NATS webhook sender close error", "error", err)
			}
		}, nil
	default:
		return nil, func() {}, nil
	}
}

func queueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		Stream:     cfg.Queue.Stream,
		Subject:    cfg.Queue.Subject,
		Durable:    cfg.Queue.Durable,
		MaxDeliver: cfg.Queue.MaxDeliver,
		AckWait:    cfg.Queue.AckWait,
	}
}

// enqueueEvent publishes one event read from path to the queue stream.
func enqueueEvent(cfg *config.Config, path string) error {
	if cfg.Queue.NATSURL == "" {
		return fmt.Errorf("queue.nats_url is required to enqueue")
	}

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}

	nc, err := nats.Connect(cfg.Queue.NATSURL, nats.Name("tenantstore-enqueue"))
	if err != nil {
		return err
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := queue.NewProducer(js, queueOptions(cfg))
	if err := p.Enqueue(ctx, &ev); err != nil {
		return err
	}
	slog.Info("Event enqueued", "type", ev.Type, "subject", p.Subject(&ev))
	return nil
}

// waitOrTimeout runs wait until it returns or ctx is done.
func waitOrTimeout(ctx context.Context, wait func()) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for background webhooks")
	}
}
