// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ppy/osu-server-spectator/internal/auth"
	"github.com/ppy/osu-server-spectator/internal/broadcast"
	"github.com/ppy/osu-server-spectator/internal/cache"
	"github.com/ppy/osu-server-spectator/internal/connection"
	"github.com/ppy/osu-server-spectator/internal/database"
	"github.com/ppy/osu-server-spectator/internal/handlers"
	"github.com/ppy/osu-server-spectator/internal/middleware"
	"github.com/ppy/osu-server-spectator/internal/multiplayer"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}

	auth.Init()

	ctx := context.Background()
	db, err := database.Connect(ctx)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	var journal multiplayer.MatchJournal
	if err := cache.ConnectRedis(); err != nil {
		logger.WithError(err).Warn("redis unavailable, match records will not be published")
	} else {
		journal = cache.NewJournal()
	}

	router := broadcast.NewRouter(logger)
	limiter := connection.NewLimiter(logger, router)
	coordinator := multiplayer.NewCoordinator(logger, db, router, multiplayer.DefaultModRules{}, journal)

	srv := handlers.NewServer(logger, coordinator, limiter, router)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", middleware.MetricsMiddleware(middleware.LogMiddleware(logger)(srv.Routes())))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: time.Second * 10,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("Running on %s", addr)
		errc <- httpServer.ListenAndServe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	select {
	case err := <-errc:
		logger.Errorf("server exited: %v", err)
	case sig := <-sigs:
		logger.Infof("terminating: %v", sig)
	}

	// Wind down: end every live room so nothing lingers in persistence, then
	// drain the HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	coordinator.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
}
