package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ecosentinel/classifier"
	"ecosentinel/config"
	"ecosentinel/database"
	"ecosentinel/disburse"
	"ecosentinel/filter"
	"ecosentinel/gemini"
	"ecosentinel/handlers"
	"ecosentinel/metrics"
	"ecosentinel/pipeline"
	"ecosentinel/rabbitmq"
	"ecosentinel/resolver"
	"ecosentinel/stubclassifier"
)

func main() {
	cfg := config.Load()

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	metrics.Register()

	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.CreateTables(); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}

	// Without an API key, the deterministic stub keeps local and CI runs
	// fully functional.
	var cl classifier.Client
	if cfg.GeminiAPIKey != "" {
		cl = gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel,
			cfg.ClassifierTimeout, cfg.ClassifierRetries, cfg.ClassifierBackoff)
	} else {
		log.Warn("GEMINI_API_KEY not set, using the stub classifier")
		cl = stubclassifier.NewClient()
	}
	log.Infof("Classifier source: %s", cl.SourceName())

	var publisher pipeline.Publisher
	if cfg.AMQPURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPResolvedRouting)
		if err != nil {
			log.Errorf("Failed to connect to RabbitMQ, resolved events disabled: %v", err)
		} else {
			defer pub.Close()
			publisher = pub
		}
	}

	screener := filter.New(db, filter.Config{
		RateLimitCount:        cfg.RateLimitCount,
		RateLimitWindow:       cfg.RateLimitWindow,
		DuplicateRadiusMeters: cfg.DuplicateRadiusMeters,
		DuplicateWindow:       cfg.DuplicateWindow,
	})

	pipe := pipeline.New(db, db, screener, cl,
		resolver.New(cfg.PriorityAwardTable), publisher,
		pipeline.Config{
			SweepInterval: cfg.SweepInterval,
			QuotaCooldown: cfg.QuotaCooldown,
			StaleAfter:    cfg.StaleAfter,
		})
	pipe.Start()

	var runner *disburse.Runner
	if cfg.EthNetworkURL != "" {
		disburser, err := disburse.NewDisburser(cfg.EthNetworkURL, cfg.EthPrivateKey, cfg.ContractAddress)
		if err != nil {
			log.Errorf("Failed to initialize disburser, on-chain disbursement disabled: %v", err)
		} else {
			runner = disburse.NewRunner(db, disburser, cfg.DisburseInterval)
			runner.Start()
		}
	}

	h := handlers.NewHandlers(db, pipe)

	router := gin.Default()
	api := router.Group("/api/v3")
	{
		api.POST("/reports", h.SubmitReport)
		api.GET("/reports", h.ListReports)
		api.GET("/reports/:id", h.GetReport)
		api.POST("/reports/:id/cancel", h.CancelReport)
		api.GET("/accounts/:id", h.GetAccount)
		api.GET("/leaderboard", h.Leaderboard)
		api.GET("/health", h.HealthCheck)
		api.GET("/status", h.Status)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	pipe.Stop()
	if runner != nil {
		runner.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}
