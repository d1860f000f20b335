// Command relayedge bridges AetherDeck websocket clients onto the bus. It
// consumes agent registrations for the "aetherdeck" channel, forwards client
// events to the registered agent's inbox and streams UI directives back to
// the originating websocket.
//
// Beyond the bus configuration, the relay reads RELAY_PORT (default 8080),
// RELAY_API_KEY and REQUIRE_WS_API_KEY from the environment.
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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ag1-io/aetherbus/internal/config"
	"github.com/ag1-io/aetherbus/pkg/edge"
	"github.com/ag1-io/aetherbus/pkg/observability"
	"github.com/ag1-io/aetherbus/pkg/redis"
)

const (
	platform        = "aetherdeck"
	defaultPort     = 8080
	shutdownTimeout = 30 * time.Second
)

// relayServer carries the live state the HTTP routes need.
type relayServer struct {
	hub           *hub
	edge          *edge.Handler
	logger        observability.Logger
	apiKey        string
	requireAPIKey bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := cfg.Logger().WithPrefix("relayedge")

	port := defaultPort
	if raw := os.Getenv("RELAY_PORT"); raw != "" {
		port, err = strconv.Atoi(raw)
		if err != nil {
			log.Fatalf("Invalid RELAY_PORT %q: %v", raw, err)
		}
	}
	apiKey := os.Getenv("RELAY_API_KEY")
	requireAPIKey := strings.EqualFold(os.Getenv("REQUIRE_WS_API_KEY"), "true")
	if requireAPIKey && apiKey == "" {
		log.Fatalf("REQUIRE_WS_API_KEY is set but RELAY_API_KEY is empty")
	}

	client, err := redis.NewStreamsClient(cfg.StreamsConfig(), logger)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer client.Close()

	connHub := newHub(logger)

	edgeCfg := edge.DefaultConfig(platform)
	edgeCfg.Namespace = cfg.Bus.Namespace
	edgeCfg.BlockTime = cfg.Bus.BlockTime()
	edgeHandler, err := edge.New(client, connHub, edgeCfg, logger, nil)
	if err != nil {
		log.Fatalf("Failed to create edge handler: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	edgeDone := make(chan error, 1)
	go func() { edgeDone <- edgeHandler.Run(runCtx) }()

	server := &relayServer{
		hub:           connHub,
		edge:          edgeHandler,
		logger:        logger,
		apiKey:        apiKey,
		requireAPIKey: requireAPIKey,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/", server.handleWS)
	router.GET("/ws", server.handleWS)
	router.GET("/healthz", server.handleHealth(client))
	router.GET("/registrations", server.handleRegistrations)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Relay edge listening", map[string]interface{}{
			"port":     port,
			"platform": platform,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// The edge handler drains its watchers before Run returns.
	cancel()
	select {
	case <-edgeDone:
	case <-shutdownCtx.Done():
		logger.Warn("Edge handler did not stop in time", nil)
	}
	logger.Info("Relay edge stopped gracefully", nil)
}

// handleHealth reports broker connectivity so orchestrators can gate traffic.
func (s *relayServer) handleHealth(client *redis.StreamsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !client.IsHealthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// handleRegistrations dumps the current agent registrations for inspection.
func (s *relayServer) handleRegistrations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform":      platform,
		"registrations": s.edge.Registrations(),
	})
}
