package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	otelginmw "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/auth"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/bus"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/channel"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/config"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/health"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/logging"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/middleware"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/players"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/ratelimit"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/roomstate"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/store"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/timerwatcher"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/tracing"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/turnengine"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/words"
)

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	ctx := context.Background()
	logging.Info(ctx, "starting gameserver", zap.String("node_id", cfg.NodeID))

	if cfg.OTELCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "scribbl-engine", cfg.OTELCollectorAddr)
		if err != nil {
			logging.Error(ctx, "tracer initialization failed, continuing without tracing")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	st := store.New(redisClient, cfg.NodeID)

	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "failed to connect event bus to redis")
	}
	defer busService.Close()

	roomMgr := roomstate.New(st)
	catalog := words.New(st, roomMgr)
	playerReg := players.New(st, roomMgr, busService, nil)
	engine := turnengine.New(st, busService, roomMgr, playerReg, catalog)
	playerReg.SetTurnCoordinator(engine)

	watcher := timerwatcher.New(st, busService, roomMgr, catalog, engine, cfg.RedisDB)
	var watcherWg sync.WaitGroup
	watcherCtx, cancelWatcher := context.WithCancel(ctx)
	go func() {
		if err := watcher.Run(watcherCtx, &watcherWg); err != nil {
			logging.Error(watcherCtx, "timer watcher exited")
		}
	}()

	var validator channel.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled, using MockValidator")
		validator = &auth.MockValidator{}
	} else {
		domain := strings.TrimPrefix(strings.TrimPrefix(cfg.JWTIssuer, "https://"), "http://")
		v, err := auth.NewValidator(ctx, domain, cfg.JWTAud)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize token validator")
		}
		validator = v
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	hub := channel.NewHub(validator, busService, roomMgr, playerReg, catalog, engine, allowedOrigins)

	rl, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter")
	}

	healthHandler := health.NewHandler(busService)

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OTELCollectorAddr != "" {
		router.Use(otelginmw.Middleware("scribbl-engine"))
	}

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws/room/:roomId", func(c *gin.Context) {
		if !rl.CheckWebSocketConnect(c.Request.Context(), c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		hub.ServeWs(c)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	cancelWatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown")
	}

	watcherWg.Wait()
	logging.Info(ctx, "shutdown complete")
}
