package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zenfast/cycle-engine/internal/adapters/cache"
	"github.com/zenfast/cycle-engine/internal/adapters/repository"
	"github.com/zenfast/cycle-engine/internal/core/services"
	"github.com/zenfast/cycle-engine/internal/infra/config"
	"github.com/zenfast/cycle-engine/internal/infra/logger"
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "development").Fatalf("Invalid configuration: %v", err)
	}

	log := logger.New(cfg.LogLevel, cfg.Environment)

	backend, err := repository.NewBackend(cfg, log)
	if err != nil {
		log.Fatalf("Critical: failed to open %s backend: %v", cfg.Backend, err)
	}
	defer backend.Close()

	completionCache := cache.NewTTLCompletionCache(backend.Repo, cfg.CacheTTL, cfg.CacheCapacity, log)
	cycleService := services.NewCycleService(backend.Repo, completionCache, log)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := backend.Ping(ctx); err != nil {
			log.Warnf("Health check failed: %s backend unreachable: %v", backend.Name, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "error",
				"backend": backend.Name,
				"storage": "unreachable",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"backend": backend.Name,
			"storage": "connected",
			"uptime":  time.Since(startTime).String(),
		})
	})

	// The full cycle API lives in a separate gateway; the engine itself
	// only exposes the active-cycle probe used by readiness checks.
	router.GET("/api/v1/users/:userID/cycles/active", func(c *gin.Context) {
		active, err := cycleService.GetActiveCycle(c.Request.Context(), c.Param("userID"))
		if err != nil {
			log.Warnf("Active cycle lookup failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
			return
		}
		if active == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, active)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infof("Cycle engine running on http://localhost:%s (backend: %s)", cfg.Port, backend.Name)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Critical server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Stop signal received. Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Forced shutdown error: %v", err)
	}

	log.Info("Server stopped gracefully.")
}
