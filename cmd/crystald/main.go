// Command crystald is the home-node daemon: it runs the dead-drop relay
// server devices push into, polls the conversations channel into the local
// store, and pushes mirror snapshots back out on a schedule. It is the one
// process that holds the master key.
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
	"github.com/memorycrystal/crystal/internal/config"
	"github.com/memorycrystal/crystal/internal/crypto"
	"github.com/memorycrystal/crystal/internal/debug"
	"github.com/memorycrystal/crystal/internal/embed"
	"github.com/memorycrystal/crystal/internal/ingest"
	"github.com/memorycrystal/crystal/internal/metrics"
	"github.com/memorycrystal/crystal/internal/middleware"
	"github.com/memorycrystal/crystal/internal/mirror"
	"github.com/memorycrystal/crystal/internal/relay/client"
	"github.com/memorycrystal/crystal/internal/relay/server"
	"github.com/memorycrystal/crystal/internal/store"
)

func main() {
	var (
		listen         = flag.String("listen", getenv("CRYSTAL_LISTEN", ":8091"), "dead-drop listen address")
		tokensEnv      = flag.String("tokens", getenv("CRYSTAL_RELAY_TOKENS", ""), "comma-separated token:agentID pairs authorized on this dead drop")
		pollInterval   = flag.Duration("poll-interval", 10*time.Second, "conversations channel poll interval")
		mirrorInterval = flag.Duration("mirror-interval", 15*time.Minute, "mirror push interval")
		ttl            = flag.Duration("ttl", 24*time.Hour, "max undropped blob age before the TTL sweep removes it")
		sweep          = flag.Duration("sweep-interval", time.Hour, "how often the TTL sweep runs")
		redisAddr      = flag.String("redis-addr", getenv("CRYSTAL_REDIS_ADDR", ""), "optional Redis address for per-token rate limiting (disabled if empty)")
		rateLimit      = flag.Int("rate-limit", 120, "max requests per token per rate-limit-window when Redis is configured")
		rateWindow     = flag.Duration("rate-limit-window", time.Minute, "rate limit window when Redis is configured")
		verbose        = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	debug.SetEnabled(*verbose)

	cfg, err := config.Resolve(nil)
	if err != nil {
		log.Fatalf("crystald: resolve config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("crystald: create data dir: %v", err)
	}

	st, err := store.Open(cfg.StorePath(), logger)
	if err != nil {
		log.Fatalf("crystald: open store: %v", err)
	}
	defer st.Close()

	embedder, err := embed.New(embedConfigFrom(cfg))
	if err != nil {
		log.Fatalf("crystald: configure embedder: %v", err)
	}

	m := metrics.NewMetrics()
	auditLogger := audit.NewLogger(1000, nil)
	defer auditLogger.Close()

	// Query, collection sync, the private-mode gate, and the status
	// aggregator are library entry points (internal/query, internal/collection,
	// internal/private, internal/status) that an embedding host process calls
	// directly; crystald itself only runs the network-facing pieces: the dead
	// drop, the conversation poller, and the mirror push loop.
	pipeline := ingest.New(st, embedder, logger, m)

	auth := parseTokens(*tokensEnv)
	if len(auth) == 0 {
		log.Fatal("crystald: no tokens configured (set -tokens or CRYSTAL_RELAY_TOKENS)")
	}
	blobStore, err := server.NewFileBlobStore(dropDataDir(cfg.DataDir), server.Channels)
	if err != nil {
		log.Fatalf("crystald: open blob store: %v", err)
	}
	deadDrop := server.New(blobStore, auth, logger, m, auditLogger)
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		deadDrop.SetRateLimiter(server.NewRedisRateLimiter(rdb, *rateLimit, *rateWindow))
		logger.WithField("addr", *redisAddr).Info("rate limiting enabled via redis")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deadDrop.StartTTLSweep(ctx, *sweep, *ttl)

	relayClient, err := newLocalRelayClient(cfg, *listen, logger, m)
	if err != nil {
		log.Fatalf("crystald: configure relay client: %v", err)
	}

	poller := newConversationPoller(relayClient, pipeline, logger, auditLogger)
	go poller.Run(ctx, *pollInterval)

	go runMirrorPushLoop(ctx, relayClient, st, logger, auditLogger, *mirrorInterval)

	r := mux.NewRouter()
	deadDrop.RegisterRoutes(r)
	r.Handle("/metrics", m.Handler())
	r.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
		metrics.ReadinessHandler(func(context.Context) error {
			_, err := st.CountChunks(req.Context())
			return err
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
		logger.WithField("addr", *listen).Info("crystald listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("crystald: listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
	logger.Info("crystald stopped")
}

func embedConfigFrom(cfg *config.Config) embed.Config {
	switch cfg.EmbeddingProvider {
	case config.ProviderOllama:
		return embed.Config{Provider: embed.ProviderOllama, Host: cfg.OllamaHost, Model: cfg.OllamaModel}
	case config.ProviderGoogle:
		return embed.Config{Provider: embed.ProviderGoogle, APIKey: cfg.GoogleKey, Model: cfg.GoogleModel}
	default:
		return embed.Config{Provider: embed.ProviderOpenAI, APIKey: cfg.OpenAIKey, Model: cfg.OpenAIModel}
	}
}

func dropDataDir(dataDir string) string {
	return dataDir + "/dead-drop"
}

// newLocalRelayClient builds the relay client crystald uses both to poll
// its own dead drop for conversations and to push mirror snapshots onward,
// loading the master key the config resolver located.
func newLocalRelayClient(cfg *config.Config, localAddr string, logger *logrus.Logger, m *metrics.Metrics) (*client.Client, error) {
	key, err := crypto.LoadKey(cfg.RelayKeyPath)
	if err != nil {
		return nil, err
	}
	baseURL := cfg.RelayURL
	if baseURL == "" {
		baseURL = "http://localhost" + localAddr
	}
	return client.New(baseURL, cfg.RelayToken, key, logger, m), nil
}

func runMirrorPushLoop(ctx context.Context, relayClient *client.Client, st store.Store, logger *logrus.Logger, auditLogger audit.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := mirror.Push(ctx, relayClient, st)
			if auditLogger != nil {
				auditLogger.LogRelay(audit.EventTypeMirrorPush, "mirror", "", "", "", "", err == nil, err, time.Since(start))
			}
			if err != nil {
				logger.WithError(err).Warn("mirror push failed")
			}
		}
	}
}

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
