package main

import (
	"context"
	"strings"
	"time"

	"bursar/internal/handlers"
	"bursar/internal/ledger"
	"bursar/internal/notify"
	"bursar/internal/payments"
	mollieclient "bursar/internal/payments/mollie"
	stripeclient "bursar/internal/payments/stripe"
	"bursar/internal/rating"
	"bursar/internal/recharge"
	"bursar/internal/settlement"
	"bursar/pkg/auth"
	"bursar/pkg/config"
	"bursar/pkg/database"
	"bursar/pkg/kafka"
	"bursar/pkg/logging"
	"bursar/pkg/monitoring"
	"bursar/pkg/redis"
	"bursar/pkg/server"
	"bursar/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Wallet Billing API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database and apply schema
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":  dbURL,
		"JWT_SECRET":    jwtSecret,
		"SERVICE_TOKEN": serviceToken,
	}))

	// Optional Redis for the billing status cache
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	walletLedger := ledger.NewLedger(db, logger)

	var statusCache *settlement.StatusCache
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		rdb, err := redis.NewClientFromURL(ctx, redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		statusCache = settlement.NewStatusCache(rdb, logger)
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(rdb))
	} else {
		logger.Warn("REDIS_URL not set, billing status cache disabled")
	}

	// Payment processors
	var processors []payments.Processor
	if key := config.GetEnv("STRIPE_SECRET_KEY", ""); key != "" {
		processors = append(processors, stripeclient.NewClient(stripeclient.Config{
			SecretKey: key,
			Logger:    logger,
		}))
	}
	if key := config.GetEnv("MOLLIE_API_KEY", ""); key != "" {
		mc, err := mollieclient.NewClient(mollieclient.Config{APIKey: key, Logger: logger})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Mollie client")
		}
		processors = append(processors, mc)
	}
	if len(processors) == 0 {
		logger.Warn("No payment processors configured, auto recharge charges will fail")
	}
	chargeRouter := payments.NewRouter(processors...)

	// Notifications
	emailService := notify.NewEmailService(nil, logger)

	// Settlement pipeline
	rater := rating.NewCalculator()
	policy := settlement.NewPolicy(db, logger, statusCache, emailService)
	processor := settlement.NewProcessor(db, walletLedger, rater, policy, logger)

	// Custom billing metrics
	metrics := handlers.NewBursarMetrics(metricsCollector)

	// Background reconciliation
	reconciler := ledger.NewReconciler(db, logger, walletLedger.Currency(),
		config.GetEnvDuration("RECONCILE_INTERVAL", time.Hour))
	reconciler.DriftCounter = metrics.ReconcileIncidents
	reconciler.Start()
	defer reconciler.Stop()

	// Recharge worker
	orchestrator := recharge.NewOrchestrator(db, walletLedger, chargeRouter, statusCache,
		emailService, logger, config.GetEnvDuration("RECHARGE_INTERVAL", 30*time.Second))
	orchestrator.Start()
	defer orchestrator.Stop()

	// Kafka usage ingest (optional; HTTP ingest always available)
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		consumer, err := kafka.NewConsumer(strings.Split(brokers, ","),
			config.GetEnv("KAFKA_GROUP_ID", "bursar"), "bursar", logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()

		topic := config.GetEnv("BILLING_EVENTS_TOPIC", "billing_events")
		consumer.AddHandler(topic, settlement.NewKafkaHandler(processor, logger))
		healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(consumer.Client()))

		go func() {
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("Kafka consumer stopped")
			}
		}()
		logger.WithField("topic", topic).Info("Kafka usage ingest active")
	} else {
		logger.Warn("KAFKA_BROKERS not set, usage events accepted over HTTP only")
	}

	// Initialize handlers
	handlers.Init(db, logger, walletLedger, processor, reconciler, statusCache, metrics)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	{
		// Tenant-facing endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/wallet", handlers.GetWallet)
			protected.GET("/wallet/transactions", handlers.ListTransactions)
			protected.GET("/wallet/recharge-config", handlers.GetRechargeConfig)
			protected.PUT("/wallet/recharge-config", handlers.UpdateRechargeConfig)

			admin := protected.Group("")
			admin.Use(auth.RequireRole("admin"))
			{
				admin.POST("/wallets/:tenant_id/adjustments", handlers.CreateAdjustment)
			}
		}

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/events/telephony", handlers.PostTelephonyEvent)
			serviceAPI.POST("/wallets", handlers.CreateWallet)
			serviceAPI.DELETE("/wallets/:tenant_id", handlers.DeactivateWallet)
			serviceAPI.GET("/billing-status/:tenant_id", handlers.GetBillingStatus)
			serviceAPI.POST("/reconcile", handlers.ReconcileAll)
			serviceAPI.POST("/reconcile/:tenant_id", handlers.ReconcileTenant)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
