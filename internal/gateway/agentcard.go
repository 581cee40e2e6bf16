package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/proofofprotocol/proofscan/internal/config"
)

// ensureAgentCard keeps the card cache warm from the admission path:
// every A2A admission opportunistically refreshes the target's cached
// card in the background, without adding the fetch's latency to the
// caller's request. A missing or expired entry triggers a
// fetch; a fresh one is left alone.
func (g *Gateway) ensureAgentCard(target config.ConnectorConfig) {
	if g.agentCards == nil || target.HTTP == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cached, ok, err := g.agentCards.Get(ctx, target.ID); err == nil && ok && !cached.Stale {
			return
		}
		if res := g.agentCards.FetchWithTTL(ctx, target.ID, target.HTTP.URL, cardTTLFor(target)); res.Error != nil {
			slog.Warn("gateway: agent card refresh failed", "target", target.ID, "error", res.Error)
		}
	}()
}

// handleAgentCard implements GET /a2a/v1/agent-card/{target}: the
// cached-read path, fetching synchronously on a cold cache.
func (g *Gateway) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)
	targetID := chi.URLParam(r, "target")

	authRec, reason := g.authenticate(r, "a2a:card:"+targetID)
	g.auditAuth(ctx, requestID, authRec.name(), targetID, reason)
	if reason != "" {
		writeAuthDenied(w, requestID, reason)
		return
	}

	cfg, err := g.configMgr.Load(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "configuration unavailable", requestID)
		return
	}
	target, ok := findConnector(cfg, targetID)
	if !ok || !target.AgentTarget || !target.Enabled || target.HTTP == nil {
		g.admissionDenied(ctx, requestID, authRec.name(), targetID, "agent-card", w)
		return
	}

	if cached, ok, err := g.agentCards.Get(ctx, targetID); err == nil && ok && !cached.Stale {
		writeJSON(w, http.StatusOK, cardResponse(cached.Card, cached.Hash, cached.Stale))
		return
	}

	res := g.agentCards.FetchWithTTL(ctx, targetID, target.HTTP.URL, cardTTLFor(target))
	if res.Error != nil {
		writeError(w, http.StatusBadGateway, ErrCodeInternal, res.Error.Error(), requestID)
		return
	}
	writeJSON(w, http.StatusOK, cardResponse(res.Card, res.Hash, false))
}

func cardResponse(card json.RawMessage, hash string, stale bool) map[string]any {
	return map[string]any{"card": card, "hash": hash, "stale": stale}
}

// cardTTLFor returns the target's own ttl_seconds when configured, else
// zero so the cache's default applies.
func cardTTLFor(target config.ConnectorConfig) time.Duration {
	if target.TTLSeconds > 0 {
		return time.Duration(target.TTLSeconds) * time.Second
	}
	return 0
}
