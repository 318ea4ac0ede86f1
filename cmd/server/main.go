package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/clearhold/escrow-backend/internal/bridge"
	"github.com/clearhold/escrow-backend/internal/chain"
	"github.com/clearhold/escrow-backend/internal/config"
	"github.com/clearhold/escrow-backend/internal/handler"
	"github.com/clearhold/escrow-backend/internal/middleware"
	"github.com/clearhold/escrow-backend/internal/repository"
	"github.com/clearhold/escrow-backend/internal/service"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()

	if cfg.Env == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := repository.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()
	if err := db.InitSchema(initCtx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	// Redis is optional; without it the scheduler runs on its local guard
	// only and rate limiting is disabled.
	var rdb *repository.RedisClient
	if cfg.RedisURL != "" {
		rdb, err = repository.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
	}

	// Initialize repositories
	dealRepo := repository.NewDealRepository(db)
	crossChainRepo := repository.NewCrossChainRepository(db)
	userRepo := repository.NewUserRepository(db)

	// Contract artifact, loaded once and immutable afterwards.
	artifact, err := chain.LoadArtifact(cfg.ContractArtifactPath)
	if err != nil {
		log.Fatalf("Failed to load contract artifact: %v", err)
	}

	// Chain client needs RPC credentials; without them the deadline
	// scheduler stays off.
	var chainClient *chain.Client
	if cfg.SchedulerEnabled() {
		chainClient, err = chain.NewClient(initCtx, chain.NetworkEthereum, cfg.RPCUrl, cfg.BackendWalletPrivateKey, artifact.ABI)
		if err != nil {
			log.Fatalf("Failed to initialize chain client: %v", err)
		}
	} else {
		log.Println("WARNING: RPC_URL or BACKEND_WALLET_PRIVATE_KEY missing, deadline scheduler disabled")
	}

	// Deployer is optional: without it deals persist with a null contract.
	var deployer service.EscrowDeployer
	if cfg.DeployerPrivateKey != "" && cfg.RPCUrl != "" {
		d, err := chain.NewDeployer(artifact, cfg.RPCUrl, cfg.DeployerPrivateKey, cfg.ServiceFeeWallet)
		if err != nil {
			log.Fatalf("Failed to initialize contract deployer: %v", err)
		}
		deployer = d
	} else {
		log.Println("DEPLOYER_PRIVATE_KEY not set, contract deployment disabled")
	}

	// Bridge router: deterministic mock in the test environment, the
	// aggregator client everywhere else.
	var router bridge.Router
	if cfg.Env == "test" {
		router = bridge.NewMockRouter()
	} else {
		router = bridge.NewLiFiRouter(cfg.LiFiAPIURL)
	}

	// Initialize services
	crossChainSvc := service.NewCrossChainService(dealRepo, crossChainRepo, router)
	dealSvc := service.NewDealService(dealRepo, userRepo, crossChainSvc, deployer)

	var scheduler *service.DeadlineScheduler
	if chainClient != nil {
		var locker service.Locker
		if rdb != nil {
			locker = rdb
		}
		scheduler = service.NewDeadlineScheduler(dealRepo, crossChainRepo, crossChainSvc, chainClient, locker,
			cfg.StatusCheckInterval, cfg.StuckThreshold)
		if err := scheduler.Start(cfg.CronScheduleDeadlineChecks); err != nil {
			log.Fatalf("Failed to start deadline scheduler: %v", err)
		}
		defer scheduler.Stop()
	}

	// Initialize handlers
	dealHandler := handler.NewDealHandler(dealSvc)
	crossChainHandler := handler.NewCrossChainHandler(crossChainSvc)
	healthHandler := handler.NewHealthHandler(db, rdb)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	r.Use(middleware.RateLimit(rdb, cfg.RateLimitRPS))

	// Routes
	r.GET("/health", healthHandler.Health)

	api := r.Group("/api/transactions")
	api.Use(middleware.Auth(cfg.JWTSecret))
	{
		api.POST("/create", dealHandler.Create)
		api.GET("", dealHandler.List)
		api.GET("/:id", dealHandler.Get)
		api.PATCH("/conditions/:conditionId/buyer-review", dealHandler.ReviewCondition)
		api.PUT("/:id/sync-status", dealHandler.SyncStatus)
		api.POST("/:id/sc/start-final-approval", dealHandler.StartFinalApproval)
		api.POST("/:id/sc/raise-dispute", dealHandler.RaiseDispute)

		cc := api.Group("/cross-chain")
		{
			cc.GET("/estimate-fees", crossChainHandler.EstimateFees)
			cc.POST("/:dealId/execute-step", crossChainHandler.ExecuteStep)
			cc.GET("/:dealId/status", crossChainHandler.Status)
			cc.POST("/:dealId/transfer", crossChainHandler.Transfer)
		}
	}

	// Server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited")
}
