package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rjsadow/attentive/internal/archive"
	"github.com/rjsadow/attentive/internal/auth"
	"github.com/rjsadow/attentive/internal/config"
	"github.com/rjsadow/attentive/internal/db"
	"github.com/rjsadow/attentive/internal/diagnostics"
	"github.com/rjsadow/attentive/internal/gateway"
	"github.com/rjsadow/attentive/internal/pubsub"
	"github.com/rjsadow/attentive/internal/relay"
	"github.com/rjsadow/attentive/internal/server"
	"github.com/rjsadow/attentive/internal/sse"
	"github.com/rjsadow/attentive/internal/websocket"
)

const (
	shutdownTimeout   = 10 * time.Second
	retentionInterval = time.Hour
)

func main() {
	// Parse command-line flags (can override env vars)
	port := flag.Int("port", config.DefaultPort, "Port to listen on")
	logLevel := flag.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn or error")
	flag.Parse()

	cfg, err := config.LoadWithFlags(*port, *logLevel)
	if err != nil {
		log.Fatalf("Configuration error:\n%v\n\nSee .env.example for configuration options.", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("relay exited", "error", err)
		os.Exit(1)
	}
}

// relayServer is the assembled relay with its background workers.
type relayServer struct {
	app      *server.App
	limiter  *gateway.RateLimiter
	archiver *archive.Archiver
	journal  *db.Journal
	closers  []func() error
}

func (s *relayServer) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("shutdown: close failed", "error", err)
		}
	}
}

// buildRelay wires the publisher chain: the broker (or log) publisher
// first, then the journal, the archiver and the SSE hub as taps.
func buildRelay(ctx context.Context, cfg *config.Config) (*relayServer, error) {
	s := &relayServer{}
	var checks []diagnostics.Check

	var primary pubsub.Publisher
	switch cfg.Publisher {
	case "log":
		primary = &pubsub.LogPublisher{}
	default:
		redisPub := pubsub.NewRedisPublisher(pubsub.RedisOptions{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s.closers = append(s.closers, redisPub.Close)
		checks = append(checks, diagnostics.Check{Name: "redis", Pinger: redisPub})
		primary = redisPub
	}

	var (
		taps     []pubsub.Publisher
		database *db.DB
	)
	if cfg.JournalEnabled {
		var err error
		database, err = db.OpenDB(cfg.DBType, cfg.DSN())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.closers = append(s.closers, database.Close)
		s.journal = db.NewJournal(database, nil)
		checks = append(checks, diagnostics.Check{Name: "journal", Pinger: s.journal})
		taps = append(taps, s.journal)

		store, err := newArchiveStore(ctx, cfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		if store != nil {
			s.archiver = archive.NewArchiver(database, store, nil)
			taps = append(taps, s.archiver)
		}
	}

	hub := sse.NewHub()
	taps = append(taps, hub)
	publisher := pubsub.NewMultiPublisher(primary, taps...)

	r := relay.New(publisher, nil)
	wsOpts := websocket.Options{AllowedOrigins: cfg.AllowedOrigins}
	if cfg.AnalyzerEnabled {
		wsOpts.Analyzer = publisher
	}

	s.app = &server.App{
		Relay:            r,
		WebSocketHandler: websocket.NewHandler(r, wsOpts),
		Hub:              hub,
		Config:           cfg,
	}
	if s.archiver != nil {
		s.app.Archives = s.archiver
	}
	if cfg.AuthEnabled() {
		s.app.Authenticator = auth.NewTokenAuthenticator(cfg.JWTSecret)
	} else {
		slog.Warn("ATTENTIVE_JWT_SECRET not set - authentication disabled")
	}
	if cfg.RateLimit > 0 {
		s.limiter = gateway.NewRateLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
		s.app.Limiter = s.limiter
	}

	var counter diagnostics.MessageCounter
	if database != nil {
		counter = database
	}
	s.app.DiagCollector = diagnostics.NewCollector(cfg, checks, counter, time.Now())

	return s, nil
}

func newArchiveStore(ctx context.Context, cfg *config.Config) (archive.Store, error) {
	switch cfg.ArchiveBackend {
	case "local":
		return archive.NewLocalStore(cfg.ArchivePath), nil
	case "s3":
		store, err := archive.NewS3Store(ctx, archive.S3Options{
			Bucket:          cfg.ArchiveS3Bucket,
			Region:          cfg.ArchiveS3Region,
			Endpoint:        cfg.ArchiveS3Endpoint,
			Prefix:          cfg.ArchiveS3Prefix,
			AccessKeyID:     cfg.ArchiveS3AccessKeyID,
			SecretAccessKey: cfg.ArchiveS3SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 archive store: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

// run serves the relay until ctx is cancelled, then drains in-flight
// requests and background workers.
func run(ctx context.Context, cfg *config.Config) error {
	s, err := buildRelay(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.limiter != nil {
		g.Go(func() error {
			s.limiter.Run(gctx)
			return nil
		})
	}
	if s.archiver != nil {
		g.Go(func() error {
			s.archiver.Run(gctx)
			return nil
		})
		if cfg.ArchiveRetention > 0 {
			g.Go(func() error {
				s.archiver.RunRetention(gctx, cfg.ArchiveRetention, retentionInterval)
				return nil
			})
		}
	}
	if s.journal != nil && cfg.JournalRetention > 0 {
		g.Go(func() error {
			s.journal.RunRetention(gctx, cfg.JournalRetention, retentionInterval)
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("relay server starting", "addr", httpServer.Addr, "publisher", cfg.Publisher,
			"journal", cfg.JournalEnabled, "archive", cfg.ArchiveBackend, "analyzer", cfg.AnalyzerEnabled)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("relay server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
