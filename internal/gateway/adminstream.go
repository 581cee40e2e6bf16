package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proofofprotocol/proofscan/internal/store"
)

// auditBroadcaster fans out every emitted GatewayEvent to every connected
// admin stream subscriber, best-effort: a slow subscriber drops events
// rather than stalling the request path that produced them.
type auditBroadcaster struct {
	mu   sync.Mutex
	subs map[chan store.GatewayEvent]struct{}
}

func newAuditBroadcaster() *auditBroadcaster {
	return &auditBroadcaster{subs: make(map[chan store.GatewayEvent]struct{})}
}

func (b *auditBroadcaster) subscribe() (chan store.GatewayEvent, func()) {
	ch := make(chan store.GatewayEvent, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}
}

func (b *auditBroadcaster) publish(ev store.GatewayEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

var adminUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleAdminStream is the admin observability surface mounted
// alongside the gateway's traffic routes: an operator console opens a
// WebSocket here and receives every GatewayEvent audit row as it's
// emitted, live, without polling gateway_events. Gated by the same
// permission scheme as every other route, so AuthNone deployments leave
// it open and AuthBearer/AuthJWT deployments require a token scoped for
// it.
func (g *Gateway) handleAdminStream(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	_, reason := g.authenticate(r, "admin:stream:audit")
	if reason != "" {
		writeAuthDenied(w, requestID, reason)
		return
	}

	conn, err := adminUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: admin stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsubscribe := g.audit.broadcast.subscribe()
	defer unsubscribe()

	ctx := r.Context()
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
