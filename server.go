package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/materialclient"
	"github.com/mmdatafocus/nursery_backend/middlewares"
	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/mmdatafocus/nursery_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// server holds the ledger once its dependencies are connected; until then app routes answer 503.
type server struct {
	app    atomic.Pointer[ledgerApp]
	logger *logrus.Logger
}

func (s *server) ledger() *ledgerApp {
	return s.app.Load()
}

func (s *server) readinessGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Always allow the Cloud Run startup check.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if s.ledger() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	// Production requires an explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// deny all when production has no allowlist configured
			cfg.AllowOriginFunc = func(string) bool { return false }
		} else {
			cfg.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization",
		middlewares.HeaderOrganizationId, middlewares.HeaderActorId, middlewares.HeaderCorrelationId)
	cfg.AddExposeHeaders("Content-Length", middlewares.HeaderCorrelationId)
	cfg.AllowCredentials = !cfg.AllowAllOrigins
	return cfg
}

// newRouter wires every route. limiter may be nil.
func newRouter(s *server, limiter *middlewares.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(s.readinessGate())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.Use(cors.New(corsConfig()))
	r.Use(middlewares.SessionMiddleware())
	if limiter != nil {
		r.Use(limiter.RateLimitMiddleware)
	}
	r.Use(customErrorLogger(s.logger))
	r.Use(gin.Recovery())

	v1 := r.Group("/v1", middlewares.RequireScope())
	{
		allocations := v1.Group("/allocations")
		allocations.POST("/reserve", s.reserveHandler())
		allocations.POST("/select-batches", s.selectBatchesHandler())
		allocations.GET("/:id", s.getAllocationHandler())
		allocations.POST("/:id/select-batch", s.selectBatchHandler())
		allocations.POST("/:id/auto-select", s.autoSelectHandler())
		allocations.POST("/:id/deallocate", s.deallocateHandler())
		allocations.POST("/:id/pick", s.pickHandler())
		allocations.POST("/:id/reverse-pick", s.reversePickHandler())
		allocations.POST("/:id/ship", s.shipHandler())
		allocations.POST("/:id/quality-outcome", s.qualityOutcomeHandler())

		v1.GET("/products/:id/candidates", s.candidatesHandler())
		v1.POST("/locations", s.createLocationHandler())
		v1.POST("/guide-plans", s.createGuidePlanHandler())
		v1.POST("/plans/:id/cancel", s.cancelPlanHandler())

		batches := v1.Group("/batches")
		batches.GET("", s.listBatchesHandler())
		batches.POST("", s.checkInHandler())
		batches.POST("/plan", s.planBatchHandler())
		batches.POST("/actualize", s.actualizeManyHandler())
		batches.GET("/:id", s.getBatchHandler())
		batches.POST("/:id/actualize", s.actualizeHandler())
		batches.POST("/:id/loss", s.recordLossHandler())
		batches.POST("/:id/transplant", s.transplantHandler())
		batches.POST("/:id/sale", s.recordSaleHandler())
		batches.POST("/:id/adjust", s.adjustQuantityHandler())
		batches.POST("/:id/status", s.changeStatusHandler())
		batches.POST("/:id/rebuild-reserved", s.rebuildReservedHandler())
		batches.GET("/:id/distribution", s.distributionHandler())
		batches.GET("/:id/consistency", s.consistencyHandler())

		v1.GET("/events", s.eventsHandler())
	}
	// Ops tooling: put DEAD outbox rows of the caller's organization back in the queue.
	r.POST("/internal/ops/outbox/requeue-dead", middlewares.RequireScope(), s.requeueDeadOutboxHandler())

	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	s := &server{logger: logger}

	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	var limiter *middlewares.RateLimiter
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		limiter = middlewares.NewRateLimiter(getRedisClient(os.Getenv("REDIS_ADDRESS")), limit, time.Duration(windowSec)*time.Second)
	}

	// Start listening immediately (Cloud Run startup check is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(s, limiter),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal("AutoMigrate failed: " + err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	deps := appDeps{Logger: logger, Locker: utils.NoopLocker{}, Outbox: config.InventoryOutboxEnabled()}
	if rl := config.GetRedisLock(); rl != nil {
		deps.Locker = utils.NewRedisLocker(rl, config.BatchLockTTL(), logger)
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis lock not ready; relying on row locks only")
	}
	if config.MaterialConsumptionEnabled() {
		client, err := materialclient.NewFromEnv()
		if err != nil {
			config.LogError(logger, "server.go", "main", "material client disabled", nil, err)
		} else {
			deps.Materials = client
			deps.AllowPartial = config.MaterialAllowPartial()
		}
	}
	if deps.Outbox {
		publisher := config.NewPubSubPublisher()
		if client, err := config.GetClient(sigCtx); err != nil {
			config.LogError(logger, "server.go", "main", "pubsub client", nil, err)
		} else if _, err := config.CreateTopicIfNotExists(sigCtx, client, publisher.Topic); err != nil {
			config.LogError(logger, "server.go", "main", "create inventory events topic", publisher.Topic, err)
		}
		deps.Publisher = publisher
	}

	app := newLedgerApp(db, deps)
	s.app.Store(app)

	// Publishes outbox rows after commit.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if deps.Outbox {
		go app.dispatcher.Run(dispatcherCtx)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("nursery ledger listening on :", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			config.LogError(logger, "server.go", "customErrorLogger", c.Request.Method+" "+c.FullPath(), nil, errors.New(c.Errors.String()))
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
