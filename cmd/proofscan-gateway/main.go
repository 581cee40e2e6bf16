// Command proofscan-gateway serves the HTTP/SSE front door:
// authenticated, rate-limited, audited MCP and A2A traffic over a
// network listener, independent of and addressable alongside
// proofscan-proxy's stdio aggregator.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proofofprotocol/proofscan/internal/config"
	"github.com/proofofprotocol/proofscan/internal/gateway"
	"github.com/proofofprotocol/proofscan/internal/logging"
	"github.com/proofofprotocol/proofscan/internal/metrics"
	"github.com/proofofprotocol/proofscan/internal/queue"
	"github.com/proofofprotocol/proofscan/internal/recorder"
	"github.com/proofofprotocol/proofscan/internal/secrets"
	"github.com/proofofprotocol/proofscan/internal/store"
)

func main() {
	logging.Setup()

	proc, err := config.LoadProcessConfig()
	if err != nil {
		log.Fatalf("proofscan-gateway: load process config: %v", err)
	}

	st, err := store.Open(proc.EventsDBPath)
	if err != nil {
		log.Fatalf("proofscan-gateway: open event store: %v", err)
	}
	defer st.Close()

	var reg *metrics.Registry
	if proc.MetricsEnabled {
		reg = metrics.New()
	}

	cfgMgr := config.NewManager(proc.ConnectorsConfigPath, proc.ConfigCacheTTL, proc)

	opts := gateway.Options{
		ConfigMgr:       cfgMgr,
		Store:           st,
		Metrics:         reg,
		Secrets:         secrets.MapResolver{},
		RetentionPolicy: recorder.DefaultRetentionPolicy,
		Queues: queue.NewManager(queue.Config{
			MaxInflight:    proc.DefaultMaxInflight,
			MaxQueueDepth:  proc.DefaultMaxQueueDepth,
			DefaultTimeout: time.Duration(proc.DefaultTimeoutMs) * time.Millisecond,
		}),
		BodyCapBytes:       proc.GatewayBodyCapBytes,
		HideNotFound:       proc.HideNotFound,
		RateLimitPerSecond: proc.GatewayRateLimitPerSec,
		RateLimitBurst:     proc.GatewayRateLimitBurst,
		DefaultTimeout:         time.Duration(proc.DefaultTimeoutMs) * time.Millisecond,
		AgentCardTTL:           proc.GatewayAgentCardTTL,
		AllowPrivateAgentHosts: proc.AllowPrivateAgentHosts,
	}

	switch proc.GatewayAuthMode {
	case "bearer":
		opts.AuthMode = gateway.AuthBearer
		if proc.GatewayTokensPath == "" {
			log.Fatalf("proofscan-gateway: PROOFSCAN_GATEWAY_AUTH_MODE=bearer requires PROOFSCAN_GATEWAY_TOKENS_PATH")
		}
		tokens, err := gateway.LoadTokensFile(proc.GatewayTokensPath)
		if err != nil {
			log.Fatalf("proofscan-gateway: load tokens: %v", err)
		}
		opts.Tokens = tokens
	case "jwt":
		opts.AuthMode = gateway.AuthJWT
		if proc.GatewayJWKSURL == "" {
			log.Fatalf("proofscan-gateway: PROOFSCAN_GATEWAY_AUTH_MODE=jwt requires PROOFSCAN_GATEWAY_JWKS_URL")
		}
		opts.JWKSURL = proc.GatewayJWKSURL
	default:
		opts.AuthMode = gateway.AuthNone
	}

	gw, err := gateway.New(opts)
	if err != nil {
		log.Fatalf("proofscan-gateway: %v", err)
	}
	defer gw.Close()

	srv := &http.Server{
		Addr:              proc.GatewayAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("proofscan-gateway: listening", "addr", proc.GatewayAddr, "auth_mode", proc.GatewayAuthMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("proofscan-gateway: server error: %v", err)
	case sig := <-sigCh:
		slog.Info("proofscan-gateway: received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("proofscan-gateway: graceful shutdown failed", "error", err)
	}

	slog.Info("proofscan-gateway: stopped")
}
