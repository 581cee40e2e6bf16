// Package recorder maps classified JSON-RPC frames onto store rows: the
// session recorder every transport's traffic funnels through.
package recorder

import (
	"context"
	"fmt"

	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
	"github.com/proofofprotocol/proofscan/internal/store"
)

// RetentionPolicy controls how much of a frame's raw payload is
// persisted. Raw JSON is stored verbatim by default; a session may
// opt into hash-only retention, and any payload over MaxBytes is stored as
// a truncated preview plus the hash of the full original. The original's
// size is not recorded, and nothing on the row marks it as truncated.
type RetentionPolicy struct {
	HashOnly bool
	MaxBytes int // 0 means no cap
}

// DefaultRetentionPolicy stores full payloads with no cap.
var DefaultRetentionPolicy = RetentionPolicy{}

// Recorder writes every transport frame for one session into the store,
// maintaining the rpc_calls bookkeeping the store's composite key needs.
type Recorder struct {
	store     *store.Store
	sessionID string
	policy    RetentionPolicy
}

// New returns a Recorder bound to an already-created session.
func New(s *store.Store, sessionID string, policy RetentionPolicy) *Recorder {
	return &Recorder{store: s, sessionID: sessionID, policy: policy}
}

// Record classifies and persists one frame observed on dir: classify,
// bookkeep the rpc call, then append the event row.
func (r *Recorder) Record(ctx context.Context, dir store.Direction, frame jsonrpc.Frame) error {
	kind, err := storeKind(frame.Kind)
	if err != nil {
		return err
	}

	switch frame.Kind {
	case jsonrpc.KindRequest:
		if _, err := r.store.SaveRpcCall(ctx, r.sessionID, frame.ID, frame.Method); err != nil {
			return fmt.Errorf("recorder: save rpc call: %w", err)
		}
	case jsonrpc.KindResponse:
		success := frame.Success == nil || *frame.Success
		if err := r.store.CompleteRpcCall(ctx, r.sessionID, frame.ID, success, frame.ErrCode); err != nil {
			// Persistence edge cases here are observability-only: a response to an rpc call this
			// recorder never saw is logged and discarded, but the event
			// row is still written below so the raw frame is never lost.
			if err != store.ErrDuplicateResponse {
				return fmt.Errorf("recorder: complete rpc call: %w", err)
			}
		}
	}

	params := store.SaveEventParams{
		Payload:  frame.Raw,
		StoreRaw: !r.policy.HashOnly,
		RawText:  r.previewFor(frame.Raw),
	}
	if frame.Kind == jsonrpc.KindRequest || frame.Kind == jsonrpc.KindResponse {
		params.RpcID = frame.ID
	}
	if frame.Method != "" {
		params.Label = frame.Method
	}

	if _, err := r.store.SaveEvent(ctx, r.sessionID, dir, kind, params); err != nil {
		return fmt.Errorf("recorder: save event: %w", err)
	}
	return nil
}

// previewFor implements the size-cap half of the retention policy: an
// over-cap payload is stored as a truncated preview, but its hash (see
// Store.SaveEvent) always covers the full original bytes. Returns nil
// when no truncation is needed, so the full payload is stored verbatim.
func (r *Recorder) previewFor(raw []byte) []byte {
	if r.policy.MaxBytes > 0 && len(raw) > r.policy.MaxBytes {
		preview := make([]byte, r.policy.MaxBytes)
		copy(preview, raw[:r.policy.MaxBytes])
		return preview
	}
	return nil
}

func storeKind(k jsonrpc.Kind) (store.EventKind, error) {
	switch k {
	case jsonrpc.KindRequest:
		return store.EventRequest, nil
	case jsonrpc.KindResponse:
		return store.EventResponse, nil
	case jsonrpc.KindNotification:
		return store.EventNotification, nil
	case jsonrpc.KindTransportEvent:
		return store.EventTransportEvent, nil
	default:
		return "", fmt.Errorf("recorder: unknown frame kind %q", k)
	}
}
