// Package store provides the SQLite-backed event store: sessions, RPC
// calls, events, gateway audit records, and the agent card cache. It is the
// append-only model every other component (recorder, tool adapter, proxy,
// gateway) reads from and writes through.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/proofofprotocol/proofscan/internal/ids"
)

// ExitReason is the terminal state of a session.
type ExitReason string

const (
	ExitNormal  ExitReason = "normal"
	ExitError   ExitReason = "error"
	ExitKilled  ExitReason = "killed"
	ExitTimeout ExitReason = "timeout"
)

// Direction mirrors jsonrpc.Direction without importing it, keeping the
// store package dependency-free of the wire layer.
type Direction string

const (
	DirClientToServer Direction = "client_to_server"
	DirServerToClient Direction = "server_to_client"
)

// EventKind mirrors jsonrpc.Kind for the same reason.
type EventKind string

const (
	EventRequest        EventKind = "request"
	EventResponse       EventKind = "response"
	EventNotification   EventKind = "notification"
	EventTransportEvent EventKind = "transport_event"
)

// Session is a row in the sessions table: one open transport lifecycle
// plus all its traffic.
type Session struct {
	ID             string
	TargetID       string
	StartedAt      time.Time
	EndedAt        *time.Time
	ExitReason     ExitReason
	Protected      bool
	SecretRefCount int
}

// RpcCall is a row in the rpc_calls table, keyed by (RpcID, SessionID).
// The composite key is load bearing: a wire id like "1" collides across
// sessions, so every join must carry both columns.
type RpcCall struct {
	RpcID       string
	SessionID   string
	Method      string
	RequestTS   time.Time
	ResponseTS  *time.Time
	Success     *bool
	ErrorCode   *int
}

// Event is a row in the append-only events table.
type Event struct {
	ID          string
	SessionID   string
	RpcID       *string
	Direction   Direction
	Kind        EventKind
	Seq         int64
	TS          time.Time
	Label       *string
	PayloadHash *string
	RawJSON     *string
}

// SaveEventParams are the optional fields accepted by SaveEvent.
type SaveEventParams struct {
	RpcID string // empty means no associated RPC
	Label string

	// Payload is the frame's full, untruncated raw bytes. When non-nil its
	// hash is always computed over these bytes and stored, regardless of
	// StoreRaw or RawText, so hash-only or truncated retention still lets
	// callers verify a payload against its recorded hash.
	Payload []byte
	// StoreRaw controls whether anything is persisted in raw_json at all.
	// False implements the recorder's hash-only retention policy.
	StoreRaw bool
	// RawText overrides what's persisted in raw_json when StoreRaw is
	// true and differs from Payload, e.g. a size-capped preview. Nil
	// means "persist Payload verbatim".
	RawText []byte
}

// GatewayEventKind enumerates the independent gateway audit stream.
type GatewayEventKind string

const (
	GatewayAuthSuccess  GatewayEventKind = "gateway_auth_success"
	GatewayAuthFailure  GatewayEventKind = "gateway_auth_failure"
	GatewayMCPRequest   GatewayEventKind = "gateway_mcp_request"
	GatewayMCPResponse  GatewayEventKind = "gateway_mcp_response"
	GatewayA2ARequest   GatewayEventKind = "gateway_a2a_request"
	GatewayA2AResponse  GatewayEventKind = "gateway_a2a_response"
	GatewayError        GatewayEventKind = "gateway_error"
)

// Decision is the gateway's auth/admission decision.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// GatewayEvent is a row in the gateway_events audit table.
type GatewayEvent struct {
	ID                int64
	RequestID         string
	TraceID           string
	ClientID          string
	TargetID          string
	Method            string
	EventKind         GatewayEventKind
	Decision          *Decision
	DenyReason        string
	StatusCode        int
	LatencyMs         int64
	UpstreamLatencyMs int64
	Error             string
	MetadataJSON      string
	TS                time.Time
}

// AgentCard is a row in the agent_cache table.
type AgentCard struct {
	TargetID  string
	CardJSON  string
	Hash      string
	FetchedAt time.Time
	ExpiresAt time.Time
}

// ErrDuplicateResponse is returned (as a warning, not a hard failure) when a
// response arrives for an (rpc_id, session_id) pair that was never opened
// with SaveRpcCall. Such a response is discarded, never recorded as a row.
var ErrDuplicateResponse = fmt.Errorf("store: response for unknown rpc call, discarded")

// Store is a singleton SQLite connection opened in WAL mode with a busy
// timeout.
type Store struct {
	db *sql.DB

	seqMu sync.Mutex
	seq   map[string]*int64 // session_id -> next seq, guarded by seqMu for map access
}

// Open creates or opens a SQLite database at path, applying migrations
// idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db, seq: make(map[string]*int64)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{migrateV1}
	for i := version; i < len(migrations); i++ {
		slog.Info("applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			target_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			exit_reason TEXT NOT NULL DEFAULT '',
			protected INTEGER NOT NULL DEFAULT 0,
			secret_ref_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target_id);

		CREATE TABLE IF NOT EXISTS rpc_calls (
			rpc_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			method TEXT NOT NULL,
			request_ts TEXT NOT NULL,
			response_ts TEXT,
			success INTEGER,
			error_code INTEGER,
			PRIMARY KEY (rpc_id, session_id)
		);

		CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			rpc_id TEXT,
			direction TEXT NOT NULL,
			kind TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts TEXT NOT NULL,
			label TEXT,
			payload_hash TEXT,
			raw_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);
		CREATE INDEX IF NOT EXISTS idx_events_rpc ON events(session_id, rpc_id);

		CREATE TABLE IF NOT EXISTS gateway_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			trace_id TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			event_kind TEXT NOT NULL,
			decision TEXT,
			deny_reason TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			upstream_latency_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			ts TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_gateway_events_request ON gateway_events(request_id);
		CREATE INDEX IF NOT EXISTS idx_gateway_events_trace ON gateway_events(trace_id);
		CREATE INDEX IF NOT EXISTS idx_gateway_events_ts ON gateway_events(ts);

		CREATE TABLE IF NOT EXISTS agent_cache (
			target_id TEXT PRIMARY KEY,
			card_json TEXT NOT NULL,
			hash TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);
	`)
	return err
}

// CreateSession inserts a new session row. A session must be created before
// any of its events.
func (s *Store) CreateSession(ctx context.Context, targetID string) (Session, error) {
	sess := Session{
		ID:        ids.New(),
		TargetID:  targetID,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, target_id, started_at) VALUES (?, ?, ?)",
		sess.ID, sess.TargetID, sess.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}

	var n int64
	s.seqMu.Lock()
	s.seq[sess.ID] = &n
	s.seqMu.Unlock()

	return sess, nil
}

// EndSession sets ended_at if it is not already set. A second call is a
// no-op: ended_at is only ever written once.
func (s *Store) EndSession(ctx context.Context, sessionID string, reason ExitReason) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, exit_reason = ? WHERE id = ? AND ended_at IS NULL",
		time.Now().UTC().Format(time.RFC3339Nano), reason, sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		slog.Debug("end session no-op: already ended or unknown session", "session_id", sessionID)
	}
	return nil
}

// SaveRpcCall inserts a new rpc_calls row, or returns the existing row if
// (rpc_id, session_id) was already saved (duplicate requests on the wire
// are idempotent at this layer).
func (s *Store) SaveRpcCall(ctx context.Context, sessionID, rpcID, method string) (RpcCall, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rpc_calls (rpc_id, session_id, method, request_ts)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(rpc_id, session_id) DO NOTHING`,
		rpcID, sessionID, method, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return RpcCall{}, fmt.Errorf("save rpc call: %w", err)
	}
	return s.GetRpcCall(ctx, sessionID, rpcID)
}

// GetRpcCall fetches a single rpc_calls row by its composite key.
func (s *Store) GetRpcCall(ctx context.Context, sessionID, rpcID string) (RpcCall, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT rpc_id, session_id, method, request_ts, response_ts, success, error_code FROM rpc_calls WHERE rpc_id = ? AND session_id = ?",
		rpcID, sessionID,
	)
	return scanRpcCall(row)
}

// CompleteRpcCall sets response_ts/success/error_code. A second completion
// is ignored (idempotence invariant). Returns ErrDuplicateResponse if no
// matching request row exists.
func (s *Store) CompleteRpcCall(ctx context.Context, sessionID, rpcID string, success bool, errCode *int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE rpc_calls SET response_ts = ?, success = ?, error_code = ? WHERE rpc_id = ? AND session_id = ? AND response_ts IS NULL",
		time.Now().UTC().Format(time.RFC3339Nano), success, errCode, rpcID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("complete rpc call: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}

	// Either already completed (no-op, not an error) or the request row
	// never existed (discard with a warning).
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM rpc_calls WHERE rpc_id = ? AND session_id = ?", rpcID, sessionID,
	).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			slog.Warn("response for unknown rpc call discarded", "session_id", sessionID, "rpc_id", rpcID)
			return ErrDuplicateResponse
		}
		return fmt.Errorf("check rpc call existence: %w", err)
	}
	return nil
}

// SaveEvent appends an event row with an auto-incrementing per-session seq.
// Events are append-only and seq strictly increases within a session.
func (s *Store) SaveEvent(ctx context.Context, sessionID string, dir Direction, kind EventKind, p SaveEventParams) (Event, error) {
	seq := s.nextSeq(sessionID)

	ev := Event{
		ID:        ids.New(),
		SessionID: sessionID,
		Direction: dir,
		Kind:      kind,
		Seq:       seq,
		TS:        time.Now().UTC(),
	}
	if p.RpcID != "" {
		rpcID := p.RpcID
		ev.RpcID = &rpcID
	}
	if p.Label != "" {
		label := p.Label
		ev.Label = &label
	}
	if p.Payload != nil {
		hash := sha256Hex(p.Payload)
		ev.PayloadHash = &hash
		if p.StoreRaw {
			storedBytes := p.Payload
			if p.RawText != nil {
				storedBytes = p.RawText
			}
			raw := string(storedBytes)
			ev.RawJSON = &raw
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, session_id, rpc_id, direction, kind, seq, ts, label, payload_hash, raw_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.RpcID, ev.Direction, ev.Kind, ev.Seq, ev.TS.Format(time.RFC3339Nano), ev.Label, ev.PayloadHash, ev.RawJSON,
	)
	if err != nil {
		return Event{}, fmt.Errorf("save event: %w", err)
	}
	return ev, nil
}

// nextSeq returns a strictly increasing sequence number for sessionID.
// Falls back to querying MAX(seq)+1 for sessions created before this
// process started (e.g. resumed from the DB), so seq stays contiguous
// across process restarts within the observed invariant.
func (s *Store) nextSeq(sessionID string) int64 {
	s.seqMu.Lock()
	counter, ok := s.seq[sessionID]
	if !ok {
		var max sql.NullInt64
		_ = s.db.QueryRow("SELECT MAX(seq) FROM events WHERE session_id = ?", sessionID).Scan(&max)
		var start int64
		if max.Valid {
			start = max.Int64
		}
		counter = &start
		s.seq[sessionID] = counter
	}
	s.seqMu.Unlock()
	return atomic.AddInt64(counter, 1)
}

// EventsBySession returns all events for a session ordered by seq.
func (s *Store) EventsBySession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT event_id, session_id, rpc_id, direction, kind, seq, ts, label, payload_hash, raw_json FROM events WHERE session_id = ? ORDER BY seq ASC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventsByRpc returns all events joined to a specific rpc call, keyed on
// BOTH rpc_id and session_id — never on the wire id alone.
func (s *Store) EventsByRpc(ctx context.Context, sessionID, rpcID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, session_id, rpc_id, direction, kind, seq, ts, label, payload_hash, raw_json
		 FROM events WHERE session_id = ? AND rpc_id = ? ORDER BY seq ASC`,
		sessionID, rpcID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events by rpc: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SessionsByTarget returns sessions for a target, newest first.
func (s *Store) SessionsByTarget(ctx context.Context, targetID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, target_id, started_at, ended_at, exit_reason, protected, secret_ref_count FROM sessions WHERE target_id = ? ORDER BY started_at DESC",
		targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions by target: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CountEventsByKind returns a histogram of event kinds for a session.
func (s *Store) CountEventsByKind(ctx context.Context, sessionID string) (map[EventKind]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, COUNT(*) FROM events WHERE session_id = ? GROUP BY kind", sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("count events by kind: %w", err)
	}
	defer rows.Close()

	out := make(map[EventKind]int64)
	for rows.Next() {
		var k EventKind
		var c int64
		if err := rows.Scan(&k, &c); err != nil {
			return nil, err
		}
		out[k] = c
	}
	return out, rows.Err()
}

// SaveGatewayEvent appends an audit record to the independent gateway audit
// stream.
func (s *Store) SaveGatewayEvent(ctx context.Context, ev GatewayEvent) error {
	ev.TS = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_events
		 (request_id, trace_id, client_id, target_id, method, event_kind, decision, deny_reason,
		  status_code, latency_ms, upstream_latency_ms, error, metadata_json, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, ev.TraceID, ev.ClientID, ev.TargetID, ev.Method, ev.EventKind, ev.Decision, ev.DenyReason,
		ev.StatusCode, ev.LatencyMs, ev.UpstreamLatencyMs, ev.Error, ev.MetadataJSON, ev.TS.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save gateway event: %w", err)
	}
	return nil
}

// GatewayEventsByRequest returns all audit rows correlated by request_id.
func (s *Store) GatewayEventsByRequest(ctx context.Context, requestID string) ([]GatewayEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, trace_id, client_id, target_id, method, event_kind, decision, deny_reason,
		 status_code, latency_ms, upstream_latency_ms, error, metadata_json, ts
		 FROM gateway_events WHERE request_id = ? ORDER BY ts ASC`, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query gateway events: %w", err)
	}
	defer rows.Close()

	var out []GatewayEvent
	for rows.Next() {
		ev, err := scanGatewayEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GatewayEventsByTrace returns all audit rows correlated by trace_id, for
// callers propagating their own trace identifiers across services.
func (s *Store) GatewayEventsByTrace(ctx context.Context, traceID string) ([]GatewayEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, trace_id, client_id, target_id, method, event_kind, decision, deny_reason,
		 status_code, latency_ms, upstream_latency_ms, error, metadata_json, ts
		 FROM gateway_events WHERE trace_id = ? ORDER BY ts ASC`, traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query gateway events by trace: %w", err)
	}
	defer rows.Close()

	var out []GatewayEvent
	for rows.Next() {
		ev, err := scanGatewayEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GatewayEventsWindow returns audit rows within [since, until).
func (s *Store) GatewayEventsWindow(ctx context.Context, since, until time.Time) ([]GatewayEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, trace_id, client_id, target_id, method, event_kind, decision, deny_reason,
		 status_code, latency_ms, upstream_latency_ms, error, metadata_json, ts
		 FROM gateway_events WHERE ts >= ? AND ts < ? ORDER BY ts ASC`,
		since.UTC().Format(time.RFC3339Nano), until.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query gateway events window: %w", err)
	}
	defer rows.Close()

	var out []GatewayEvent
	for rows.Next() {
		ev, err := scanGatewayEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertAgentCard stores a fetched agent card, replacing any prior entry.
func (s *Store) UpsertAgentCard(ctx context.Context, card AgentCard) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_cache (target_id, card_json, hash, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(target_id) DO UPDATE SET card_json=excluded.card_json, hash=excluded.hash,
		   fetched_at=excluded.fetched_at, expires_at=excluded.expires_at`,
		card.TargetID, card.CardJSON, card.Hash, card.FetchedAt.Format(time.RFC3339Nano), card.ExpiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert agent card: %w", err)
	}
	return nil
}

// GetAgentCard returns the cached agent card for a target, if any.
func (s *Store) GetAgentCard(ctx context.Context, targetID string) (AgentCard, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT target_id, card_json, hash, fetched_at, expires_at FROM agent_cache WHERE target_id = ?", targetID,
	)
	var card AgentCard
	var fetchedAt, expiresAt string
	if err := row.Scan(&card.TargetID, &card.CardJSON, &card.Hash, &fetchedAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return AgentCard{}, false, nil
		}
		return AgentCard{}, false, fmt.Errorf("get agent card: %w", err)
	}
	card.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetchedAt)
	card.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return card, true, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRpcCall(row scannable) (RpcCall, error) {
	var rc RpcCall
	var requestTS string
	var responseTS sql.NullString
	var success sql.NullBool
	var errCode sql.NullInt64
	if err := row.Scan(&rc.RpcID, &rc.SessionID, &rc.Method, &requestTS, &responseTS, &success, &errCode); err != nil {
		return RpcCall{}, fmt.Errorf("scan rpc call: %w", err)
	}
	rc.RequestTS, _ = time.Parse(time.RFC3339Nano, requestTS)
	if responseTS.Valid {
		t, _ := time.Parse(time.RFC3339Nano, responseTS.String)
		rc.ResponseTS = &t
	}
	if success.Valid {
		rc.Success = &success.Bool
	}
	if errCode.Valid {
		c := int(errCode.Int64)
		rc.ErrorCode = &c
	}
	return rc, nil
}

func scanEvent(row scannable) (Event, error) {
	var ev Event
	var rpcID, label, payloadHash, rawJSON sql.NullString
	var ts string
	if err := row.Scan(&ev.ID, &ev.SessionID, &rpcID, &ev.Direction, &ev.Kind, &ev.Seq, &ts, &label, &payloadHash, &rawJSON); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.TS, _ = time.Parse(time.RFC3339Nano, ts)
	if rpcID.Valid {
		ev.RpcID = &rpcID.String
	}
	if label.Valid {
		ev.Label = &label.String
	}
	if payloadHash.Valid {
		ev.PayloadHash = &payloadHash.String
	}
	if rawJSON.Valid {
		ev.RawJSON = &rawJSON.String
	}
	return ev, nil
}

func scanSession(row scannable) (Session, error) {
	var sess Session
	var startedAt string
	var endedAt sql.NullString
	var protected int
	if err := row.Scan(&sess.ID, &sess.TargetID, &startedAt, &endedAt, &sess.ExitReason, &protected, &sess.SecretRefCount); err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
		sess.EndedAt = &t
	}
	sess.Protected = protected != 0
	return sess, nil
}

func scanGatewayEvent(row scannable) (GatewayEvent, error) {
	var ev GatewayEvent
	var decision sql.NullString
	var ts string
	if err := row.Scan(&ev.ID, &ev.RequestID, &ev.TraceID, &ev.ClientID, &ev.TargetID, &ev.Method, &ev.EventKind,
		&decision, &ev.DenyReason, &ev.StatusCode, &ev.LatencyMs, &ev.UpstreamLatencyMs, &ev.Error, &ev.MetadataJSON, &ts); err != nil {
		return GatewayEvent{}, fmt.Errorf("scan gateway event: %w", err)
	}
	ev.TS, _ = time.Parse(time.RFC3339Nano, ts)
	if decision.Valid {
		d := Decision(decision.String)
		ev.Decision = &d
	}
	return ev, nil
}
