package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"game-entry-service/chain"
	"game-entry-service/config"
	"game-entry-service/handlers"
	"game-entry-service/middleware"
	"game-entry-service/models"
	"game-entry-service/services"
	"game-entry-service/utils"
	"game-entry-service/workers"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	logger, err := utils.NewLogger(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("❌ failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(
		&models.Game{},
		&models.Participant{},
		&models.TransactionRecord{},
		&models.NotificationEvent{},
		&models.WalletMirror{},
		&models.PlayerMirror{},
	); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	// ⛓️ Chain
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	chainClient, err := chain.Dial(dialCtx, cfg.RPCURL)
	if err == nil {
		err = chainClient.CheckChainID(dialCtx, cfg.ChainID)
	}
	cancel()
	if err != nil {
		logger.Fatal("chain rpc unusable", zap.Error(err))
	}

	// 🗄️ Audit reports go to R2 when it is configured, otherwise only to the log.
	var sink services.AuditSink
	if cfg.R2Enabled() {
		r2, err := utils.NewR2Client(ctx, cfg.CloudflareAccountID, cfg.R2AccessKeyID, cfg.R2AccessKeySecret, cfg.R2Bucket)
		if err != nil {
			logger.Fatal("failed to initialize R2 client", zap.Error(err))
		}
		sink = r2
	} else {
		logger.Warn("⚠️ R2 not configured, reconciliation reports are logged only")
	}

	credKey, _ := cfg.CredentialKeyBytes()
	credentials, err := services.NewCredentialBox(credKey)
	if err != nil {
		logger.Fatal("invalid credential key", zap.Error(err))
	}

	var dispatcher services.NotificationDispatcher = services.LogDispatcher{Log: logger}
	if cfg.NotificationURL != "" {
		dispatcher = services.NewNotificationServiceClient(cfg.NotificationURL, cfg.GameServiceToken, utils.HTTPClient)
	} else {
		logger.Warn("⚠️ NOTIFICATION_SERVICE_URL not set, notifications are logged only")
	}

	auditor := services.NewReconciliationAuditor(sink, logger)
	ledger := services.NewLedger(db)
	states := services.NewParticipantStateMachine(db, ledger, auditor, logger)
	notifier := services.NewNotificationTrigger(db, dispatcher, logger)

	confirmService := &services.ConfirmService{
		DB:          db,
		Ledger:      ledger,
		Verifier:    services.NewOnchainVerifier(chainClient, cfg.VerifyTimeout, cfg.Tolerance()),
		Reconciler:  services.NewOnchainReconciler(chainClient, cfg.ReconcileTimeout),
		States:      states,
		Notifier:    notifier,
		Credentials: credentials,
		Auditor:     auditor,
		Chain:       cfg.Chain,
		Log:         logger,
	}

	scheduler, err := services.StartNotificationRetryScheduler(notifier, cfg.NotificationRetryInterval, logger)
	if err != nil {
		logger.Fatal("failed to start notification retry scheduler", zap.Error(err))
	}

	// 🔁 Mirrors of the wallet and profile services
	if cfg.SyncServiceURL != "" {
		walletSync := workers.NewWalletSyncClient(db, cfg.SyncServiceURL, cfg.GameServiceToken, utils.HTTPClient, logger)
		go workers.PollWallets(ctx, walletSync, cfg.WalletPollPeriod)

		playerSync := workers.NewPlayerSyncWorker(db, cfg.SyncServiceURL, "/api/v1/public/profiles",
			cfg.GameServiceToken, cfg.PlayerPollPeriod, utils.HTTPClient, logger)
		playerSync.Start(ctx)
	} else {
		logger.Warn("⚠️ SYNC_SERVICE_URL not set, wallet and player mirrors will not refresh")
	}

	app := fiber.New()

	// 🔐❗ GLOBAL: Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.GameServiceToken, logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Origins(),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupEntryRoutes(app, handlers.NewEntryHandler(confirmService, logger), logger)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	logger.Info("✅ Server running",
		zap.String("port", cfg.Port),
		zap.String("chain", cfg.Chain),
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("origins", cfg.Origins()),
	)

	<-ctx.Done()
	logger.Info("Shutting down server...")

	if err := scheduler.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown failed", zap.Error(err))
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
}
