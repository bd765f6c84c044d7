// Command crystal-relay runs Memory Crystal's standalone dead-drop server:
// the untrusted blob relay that home daemons and devices synchronise
// through. It never holds a master key and never decrypts anything it
// stores.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/memorycrystal/crystal/internal/audit"
	"github.com/memorycrystal/crystal/internal/debug"
	"github.com/memorycrystal/crystal/internal/metrics"
	"github.com/memorycrystal/crystal/internal/middleware"
	"github.com/memorycrystal/crystal/internal/relay/server"
)

func main() {
	var (
		listen     = flag.String("listen", getenv("CRYSTAL_RELAY_LISTEN", ":8090"), "listen address")
		blobDir    = flag.String("blob-dir", getenv("CRYSTAL_RELAY_BLOB_DIR", "./relay-data"), "directory for stored blobs")
		tokensEnv  = flag.String("tokens", getenv("CRYSTAL_RELAY_TOKENS", ""), "comma-separated token:agentID pairs authorized to use this relay")
		ttl        = flag.Duration("ttl", 30*24*time.Hour, "max age of a dropped blob before the sweep removes it")
		sweep      = flag.Duration("sweep-interval", time.Hour, "how often the TTL sweep runs")
		redisAddr  = flag.String("redis-addr", getenv("CRYSTAL_REDIS_ADDR", ""), "optional Redis address for per-token rate limiting (disabled if empty)")
		rateLimit  = flag.Int("rate-limit", 120, "max requests per token per rate-limit-window when Redis is configured")
		rateWindow = flag.Duration("rate-limit-window", time.Minute, "rate limit window when Redis is configured")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	debug.SetEnabled(*verbose)

	auth := parseTokens(*tokensEnv)
	if len(auth) == 0 {
		log.Fatal("crystal-relay: no tokens configured (set -tokens or CRYSTAL_RELAY_TOKENS)")
	}

	blobStore, err := server.NewFileBlobStore(*blobDir, server.Channels)
	if err != nil {
		log.Fatalf("crystal-relay: open blob store: %v", err)
	}

	m := metrics.NewMetrics()
	auditLogger := audit.NewLogger(1000, nil)
	defer auditLogger.Close()

	srv := server.New(blobStore, auth, logger, m, auditLogger)
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		srv.SetRateLimiter(server.NewRedisRateLimiter(rdb, *rateLimit, *rateWindow))
		logger.WithField("addr", *redisAddr).Info("rate limiting enabled via redis")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.StartTTLSweep(ctx, *sweep, *ttl)

	r := mux.NewRouter()
	srv.RegisterRoutes(r)
	r.Handle("/metrics", m.Handler())
	r.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
		metrics.ReadinessHandler(func(context.Context) error {
			f, err := os.CreateTemp(*blobDir, ".ready-*")
			if err != nil {
				return err
			}
			f.Close()
			return os.Remove(f.Name())
		})(w, req)
	})
	r.Handle("/live", metrics.LivenessHandler())

	handler := middleware.RequestIDMiddleware(
		middleware.RecoveryMiddleware(logger)(
			middleware.LoggingMiddleware(logger)(r),
		),
	)

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", *listen).Info("crystal-relay listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("crystal-relay: listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
	logger.Info("crystal-relay stopped")
}

// parseTokens turns "tok1:agent1,tok2:agent2" into a StaticAuthenticator.
func parseTokens(raw string) server.StaticAuthenticator {
	auth := server.StaticAuthenticator{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		auth[parts[0]] = parts[1]
	}
	return auth
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
