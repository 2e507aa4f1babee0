package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/medflow/rx-verification/internal/verification/analysis"
	"github.com/medflow/rx-verification/internal/verification/checks"
	"github.com/medflow/rx-verification/internal/verification/clients"
	"github.com/medflow/rx-verification/internal/verification/document"
	"github.com/medflow/rx-verification/internal/verification/drugs"
	"github.com/medflow/rx-verification/internal/verification/events"
	"github.com/medflow/rx-verification/internal/verification/extraction"
	"github.com/medflow/rx-verification/internal/verification/fingerprint"
	"github.com/medflow/rx-verification/internal/verification/handler"
	"github.com/medflow/rx-verification/internal/verification/notify"
	"github.com/medflow/rx-verification/internal/verification/ocr"
	"github.com/medflow/rx-verification/internal/verification/ocr/tesseract"
	"github.com/medflow/rx-verification/internal/verification/repository"
	"github.com/medflow/rx-verification/internal/verification/service"
	"github.com/medflow/rx-verification/internal/verification/storage"
	"github.com/medflow/rx-verification/pkg/config"
	"github.com/medflow/rx-verification/pkg/database"
	"github.com/medflow/rx-verification/pkg/httputil"
	"github.com/medflow/rx-verification/pkg/logger"
	"github.com/medflow/rx-verification/pkg/messaging"
	"github.com/medflow/rx-verification/pkg/monitoring"
)

const serviceName = "verification-service"

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

// Minimum catalog similarity for a medication to count as matched
const catalogMinScore = 70

func main() {
	// Load configuration
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(serviceName, cfg.Server.Environment)
	log.Info().Str("version", version).Msg("starting Verification Service")

	reporter, flush, err := monitoring.InitSentry(cfg.Sentry.DSN, cfg.Server.Environment, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sentry")
	}
	defer flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	// Connect to RabbitMQ
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	// Initialize event publishers
	eventPublisher, err := events.NewVerificationEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}
	notifier, err := notify.NewSender(rmq, serviceName, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create notification sender")
	}

	// Blob storage
	var blobs interface {
		storage.BlobStore
		ocr.URLSigner
	}
	bucket := cfg.Storage.Bucket
	if bucket != "" {
		s3, err := storage.NewS3(ctx, cfg.Storage)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create S3 client")
		}
		blobs = s3
	} else {
		if config.IsProductionLike() {
			log.Fatal().Msg("a storage bucket is required outside development")
		}
		log.Warn().Msg("no storage bucket configured, keeping uploads in memory")
		bucket = "local"
		blobs = storage.NewMemory(cfg.Storage.Prefix)
	}

	// Text recognition
	var recognizer ocr.Recognizer
	switch cfg.OCR.Backend {
	case "tesseract":
		recognizer = tesseract.New(cfg.OCR.Languages...)
	default:
		recognizer = ocr.NewVisionRecognizer(cfg.OCR.VisionURL, &http.Client{Timeout: cfg.Verification.OCRTimeout})
	}

	// AI reasoning
	var analyzer analysis.Analyzer = analysis.Disabled{}
	if cfg.AI.Enabled {
		gemini, err := analysis.NewGemini(ctx, cfg.AI.APIKey, cfg.AI.Model)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create AI client")
		}
		defer gemini.Close()
		analyzer = gemini
	}

	// Collaborator services
	catalog := clients.NewCatalogClient(cfg.Services.CatalogServiceURL, cfg.Verification.CatalogTimeout, log)
	orders := clients.NewOrderClient(cfg.Services.OrderServiceURL, cfg.Verification.OrderTimeout, log)
	prescriptions := clients.NewPrescriptionClient(cfg.Services.PrescriptionServiceURL, cfg.Verification.OrderTimeout, log)

	// Initialize repositories
	uploadRepo := repository.NewUploadRepository(db)
	verificationRepo := repository.NewVerificationRepository(db)
	fingerprintRepo := repository.NewFingerprintRepository(db)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	// Initialize service
	vc := cfg.Verification
	verificationService := service.New(service.Deps{
		Uploads:       uploadRepo,
		Verifications: verificationRepo,
		Tx:            db,
		Blobs:         blobs,
		Bucket:        bucket,
		Documents:     document.NewProcessor(document.DefaultRegistry()),
		OCR:           ocr.NewAdapter(recognizer, blobs, blobs),
		Extractor: extraction.New(extraction.Options{
			PlatformName:       vc.PlatformName,
			PlatformDomain:     vc.PlatformDomain,
			IndicatorThreshold: vc.PlatformIndicatorThreshold,
		}),
		Fingerprints:  fingerprint.NewEngine(fingerprintRepo, vc.PerceptualHashMaxDistance),
		Evaluator:     checks.NewEvaluator(vc),
		Drugs:         drugs.NewMatcher(catalog, catalogMinScore),
		Analyzer:      analyzer,
		Orders:        orders,
		Prescriptions: prescriptions,
		Events:        eventPublisher,
		Notifier:      notifier,
		Metrics:       metrics,
		Reporter:      reporter,
		Dispatcher:    service.NewQueueDispatcher(eventPublisher),
		Logger:        log,
	})

	// Run workers
	worker, err := service.NewWorker(rmq, verificationService, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create verification worker")
	}
	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start verification worker")
	}
	rmq.Watch(ctx, func() {
		if err := worker.Start(ctx); err != nil {
			log.Error().Err(err).Msg("failed to restart verification worker")
		}
	})

	sweeper := service.NewExpirySweeper(verificationService, vc.ExpirySweepEvery, log)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Initialize handlers
	auth := httputil.NewAuthenticator(cfg.JWT.Secret, cfg.JWT.Issuer, log)
	prescriptionHandler := handler.NewHandler(verificationService, vc.MaxFileSizeBytes, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(metrics.HTTPMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  serviceName,
			"version":  version,
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})
	r.Handle("/metrics", metrics.Handler())

	prescriptionHandler.Register(r, auth)

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
