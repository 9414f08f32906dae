package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-doc-signing/internal/artifact"
	"github.com/pesio-ai/be-doc-signing/internal/audit"
	"github.com/pesio-ai/be-doc-signing/internal/client"
	"github.com/pesio-ai/be-doc-signing/internal/clock"
	"github.com/pesio-ai/be-doc-signing/internal/config"
	"github.com/pesio-ai/be-doc-signing/internal/database"
	"github.com/pesio-ai/be-doc-signing/internal/handler"
	"github.com/pesio-ai/be-doc-signing/internal/lock"
	"github.com/pesio-ai/be-doc-signing/internal/logger"
	"github.com/pesio-ai/be-doc-signing/internal/repository"
	"github.com/pesio-ai/be-doc-signing/internal/service"
	"github.com/pesio-ai/be-doc-signing/internal/storage"
	"github.com/pesio-ai/be-doc-signing/internal/token"
)

const expirySweepInterval = time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Document Signing Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.System{}

	// Stores
	var (
		docs       service.DocumentStore
		auditStore audit.Store
		tokenIndex token.Resolver
	)
	if cfg.Database.Host != "" {
		db, err := database.New(ctx, database.Config{
			DSN:         cfg.Database.DSN(),
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply schema")
		}
		repo := repository.NewDocumentRepository(db)
		docs, tokenIndex, auditStore = repo, repo, repository.NewAuditRepository(db)
		log.Info().Msg("Database connection established")
	} else {
		mem := repository.NewMemoryDocumentStore()
		docs, tokenIndex, auditStore = mem, mem, repository.NewMemoryAuditStore()
		log.Warn().Msg("DB_HOST not set, using in-memory stores")
	}

	var blobs service.BlobStore
	if cfg.Storage.Dir != "" {
		fs, err := storage.NewFileStore(cfg.Storage.Dir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.Storage.Dir).Msg("Failed to open blob storage")
		}
		blobs = fs
	} else {
		blobs = storage.NewMemoryStore()
		log.Warn().Msg("STORAGE_DIR not set, keeping files in memory")
	}

	// Document lock
	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Redis.Addr != "" {
		rl, err := lock.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.LockTTL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create redis locker")
		}
		if err := rl.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to reach redis")
		}
		defer rl.Close()
		locker = rl
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using redis document lock")
	}

	// Notifications
	var conn client.Publisher
	if cfg.NATS.URL != "" {
		nc, err := client.Connect(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		conn = nc
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}
	notifier := client.NewNotificationPublisher(conn, cfg.NATS.SubjectPrefix, log)

	// Services
	loc, _ := time.LoadLocation(cfg.Signing.Location)
	recorder := audit.NewRecorder(auditStore, clk, log, cfg.Audit.QueueSize)
	tokens := token.NewAuthority(tokenIndex, clk, cfg.Signing.TokenTTL, cfg.Signing.BaseURL)
	backend := artifact.NewPDFBackend()
	if cfg.Signing.FontPath != "" {
		backend = artifact.NewUTF8PDFBackend(cfg.Signing.FontPath)
	}
	generator := artifact.NewGenerator(backend, clk, loc)

	signingService := service.NewSigningService(docs, blobs, recorder, tokens, generator, notifier, locker, clk, log)
	documentService := service.NewDocumentService(signingService, cfg.Signing.DocumentTTL, log)

	// HTTP
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.WriteTimeout))
	handler.NewHTTPHandler(documentService, signingService, log).Routes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// gRPC health
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLoggingInterceptor(log)))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(cfg.Service.Name, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Expiry sweep
	go func() {
		ticker := time.NewTicker(expirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := documentService.ExpireOverdue(ctx); err != nil {
					log.Warn().Err(err).Msg("Expiry sweep failed")
				}
			}
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	if err := recorder.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Int64("dropped", recorder.Dropped()).Msg("Audit recorder did not drain")
	}

	log.Info().Msg("Server stopped")
}
