package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/proofofprotocol/proofscan/internal/store"
)

// auditRecorder emits the independent GatewayEvent audit stream.
// Failure to write an audit row must never prevent the response from
// being written, so every call here swallows
// its own store error after logging it. Every emitted row is also fanned
// out to broadcast, best-effort, so an operator watching /admin/v1/stream
// sees the same events as the persisted table without polling it.
type auditRecorder struct {
	store     *store.Store
	broadcast *auditBroadcaster
}

func newAuditRecorder(s *store.Store, b *auditBroadcaster) *auditRecorder {
	return &auditRecorder{store: s, broadcast: b}
}

type auditFields struct {
	RequestID         string
	TraceID           string
	ClientID          string
	TargetID          string
	Method            string
	Decision          *store.Decision
	DenyReason        string
	StatusCode        int
	LatencyMs         int64
	UpstreamLatencyMs int64
	Err               string
	Metadata          map[string]any
}

func (a *auditRecorder) emit(ctx context.Context, kind store.GatewayEventKind, f auditFields) {
	if f.TraceID == "" {
		f.TraceID = traceIDFrom(ctx)
	}
	meta := "{}"
	if f.Metadata != nil {
		if b, err := json.Marshal(f.Metadata); err == nil {
			meta = string(b)
		}
	}
	ev := store.GatewayEvent{
		RequestID:         f.RequestID,
		TraceID:           f.TraceID,
		ClientID:          f.ClientID,
		TargetID:          f.TargetID,
		Method:            f.Method,
		EventKind:         kind,
		Decision:          f.Decision,
		DenyReason:        f.DenyReason,
		StatusCode:        f.StatusCode,
		LatencyMs:         f.LatencyMs,
		UpstreamLatencyMs: f.UpstreamLatencyMs,
		Error:             f.Err,
		MetadataJSON:      meta,
	}
	if err := a.store.SaveGatewayEvent(ctx, ev); err != nil {
		slog.Warn("gateway: failed to save audit event", "kind", kind, "request_id", f.RequestID, "error", err)
	}
	if a.broadcast != nil {
		a.broadcast.publish(ev)
	}
}

func allow() *store.Decision {
	d := store.DecisionAllow
	return &d
}

func deny() *store.Decision {
	d := store.DecisionDeny
	return &d
}

func millisSince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
