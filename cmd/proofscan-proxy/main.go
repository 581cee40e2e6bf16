// Command proofscan-proxy is the MCP aggregator front door: it loads
// every configured connector, serves an
// aggregated MCP server over stdin/stdout to the external client (an
// editor or CLI agent), and publishes runtime state plus a local IPC
// control socket for the status/reload/stop commands to talk to.
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
	"github.com/proofofprotocol/proofscan/internal/logging"
	"github.com/proofofprotocol/proofscan/internal/metrics"
	"github.com/proofofprotocol/proofscan/internal/proxy"
	"github.com/proofofprotocol/proofscan/internal/recorder"
	"github.com/proofofprotocol/proofscan/internal/secrets"
	"github.com/proofofprotocol/proofscan/internal/store"
)

func main() {
	logging.Setup()

	proc, err := config.LoadProcessConfig()
	if err != nil {
		log.Fatalf("proofscan-proxy: load process config: %v", err)
	}

	st, err := store.Open(proc.EventsDBPath)
	if err != nil {
		log.Fatalf("proofscan-proxy: open event store: %v", err)
	}
	defer st.Close()

	var reg *metrics.Registry
	if proc.MetricsEnabled {
		reg = metrics.New()
	}

	cfgMgr := config.NewManager(proc.ConnectorsConfigPath, proc.ConfigCacheTTL, proc)

	p := proxy.New(proxy.Options{
		ProcessConfig:    proc,
		ConfigMgr:        cfgMgr,
		Store:            st,
		Metrics:          reg,
		Secrets:          secretsFromEnviron(),
		RetentionPolicy:  recorder.DefaultRetentionPolicy,
		RuntimeStatePath: proc.RuntimeStatePath,
		SocketPath:       proc.ProxySocketPath,
		HeartbeatEvery:   5 * time.Second,
		ShutdownGrace:    5 * time.Second,
		ClientName:       "default",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx, proc.ProxySocketPath, 5*time.Second); err != nil {
		log.Fatalf("proofscan-proxy: start: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := p.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
			errCh <- err
		}
	}()

	var httpSrv *http.Server
	if proc.ProxyHTTPEnabled {
		httpSrv = &http.Server{
			Addr:              proc.ProxyAddr,
			Handler:           p.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("proofscan-proxy: http surface listening", "addr", proc.ProxyAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("proofscan-proxy: stdio loop ended with error", "error", err)
		}
	case sig := <-sigCh:
		slog.Info("proofscan-proxy: received signal, shutting down", "signal", sig.String())
	}

	cancel()
	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	stopDone := make(chan struct{})
	go func() {
		p.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(30 * time.Second):
		slog.Warn("proofscan-proxy: shutdown grace period exceeded, exiting anyway")
	}

	slog.Info("proofscan-proxy: stopped")
}

// secretsFromEnviron builds a Resolver backed directly by this process's
// own environment: PROOFSCAN_SECRET_<ref> maps to ${SECRET:<ref>}. A
// deployment backed by a real secrets manager supplies its own Resolver
// by building a different binary against internal/secrets; this is the
// operator-simple default this command ships with.
func secretsFromEnviron() secrets.Resolver {
	const prefix = "PROOFSCAN_SECRET_"
	m := secrets.MapResolver{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key, val := kv[:i], kv[i+1:]
				if len(key) > len(prefix) && key[:len(prefix)] == prefix {
					m[key[len(prefix):]] = val
				}
				break
			}
		}
	}
	return m
}
