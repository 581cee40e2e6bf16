package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
)

// sseParserState names the parser's three states.
type sseParserState int

const (
	sseBetweenEvents sseParserState = iota
	sseReadingData
	sseEventComplete
)

// A2AEvent is one dispatched SSE event, already JSON-decoded. Exactly one
// of the fields is populated depending on which event shape arrived;
// RawError is set instead when the event's JSON failed to parse (a parse
// error never aborts the stream).
type A2AEvent struct {
	StatusUpdate *A2AStatusUpdate
	Artifact     *A2AArtifact
	Message      *A2AMessage
	Task         *A2ATask
	RawError     error
}

// A2AStatusUpdate is a task status update event.
type A2AStatusUpdate struct {
	TaskID    string          `json:"taskId"`
	Status    string          `json:"status"`
	Final     bool            `json:"final,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	ContextID string          `json:"contextId,omitempty"`
}

// A2AArtifactPart is one part of a (possibly streamed) artifact.
type A2AArtifactPart struct {
	Type string          `json:"type,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// A2AArtifact is an artifact event, possibly one chunk of a streamed one.
type A2AArtifact struct {
	TaskID    string `json:"taskId"`
	ContextID string `json:"contextId,omitempty"`
	Artifact  struct {
		Name        string            `json:"name"`
		Description string            `json:"description,omitempty"`
		Parts       []A2AArtifactPart `json:"parts"`
		Index       int               `json:"index,omitempty"`
		Append      bool              `json:"append,omitempty"`
		LastChunk   bool              `json:"lastChunk,omitempty"`
	} `json:"artifact"`
}

// A2AMessage is a standalone message event.
type A2AMessage struct {
	Role             string            `json:"role"`
	Parts            []A2AArtifactPart `json:"parts"`
	Metadata         json.RawMessage   `json:"metadata,omitempty"`
	ContextID        string            `json:"contextId,omitempty"`
	ReferenceTaskIDs []string          `json:"referenceTaskIds,omitempty"`
}

// A2ATask is a complete-task event.
type A2ATask struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Messages  []A2AMessage      `json:"messages"`
	Artifacts []A2AArtifact     `json:"artifacts"`
}

// SSE streams A2A `message/stream` responses, dispatching one A2AEvent per
// `data:` block. The SSRF guard runs once, synchronously, at construction.
type SSE struct {
	baseURL string
	client  *http.Client
}

// NewSSE validates baseURL against the SSRF guard and returns a client
// ready to open streams against it. Idle deadlines between events are a
// per-Stream concern, not a client-wide one.
func NewSSE(baseURL string) (*SSE, error) {
	if err := checkSSRF(baseURL); err != nil {
		return nil, err
	}
	return NewSSEAllowPrivate(baseURL), nil
}

// NewSSEAllowPrivate skips the construction-time host guard, for
// deployments whose agents live on a private network. Callers opt into
// this explicitly; NewSSE is the default.
func NewSSEAllowPrivate(baseURL string) *SSE {
	return &SSE{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 0}, // streaming: no overall timeout, idle timeout enforced per-read below
	}
}

// Stream opens the SSE connection and sends each dispatched event to the
// returned channel. The channel closes when the stream ends: on `[DONE]`,
// on a status event with final=true, or on connection close. The caller
// is responsible for draining the channel; a canceled ctx closes the body.
func (s *SSE) Stream(ctx context.Context, env jsonrpc.Envelope, idleTimeout time.Duration) (<-chan A2AEvent, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal sse request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build sse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: sse request failed: %w", err)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("transport: expected text/event-stream, got %q", ct)
	}

	out := make(chan A2AEvent, 8)
	go s.readStream(ctx, resp.Body, out, idleTimeout)
	return out, nil
}

func (s *SSE) readStream(ctx context.Context, body io.ReadCloser, out chan<- A2AEvent, idleTimeout time.Duration) {
	defer close(out)
	defer body.Close()

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		close(lines)
	}()

	state := sseBetweenEvents
	var dataBuf bytes.Buffer

	for {
		var timer *time.Timer
		var timeoutCh <-chan time.Time
		if idleTimeout > 0 {
			timer = time.NewTimer(idleTimeout)
			timeoutCh = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-timeoutCh:
			slog.Warn("transport: sse idle timeout")
			return
		case line, ok := <-lines:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return
			}
			var done bool
			state, done = s.handleLine(line, &dataBuf, state, out)
			if state == sseEventComplete {
				state = sseBetweenEvents
			}
			if done {
				return
			}
		}
	}
}

// handleLine advances the SSE parser state machine by one line. Non-data
// fields (event:, id:, retry:, comments starting with ":") are tolerated
// and ignored. The returned bool reports whether the
// stream should terminate after this line: on a `[DONE]` sentinel, or on
// a dispatched status event with final=true, even if bytes remain.
func (s *SSE) handleLine(line string, dataBuf *bytes.Buffer, state sseParserState, out chan<- A2AEvent) (sseParserState, bool) {
	switch {
	case line == "":
		if dataBuf.Len() == 0 {
			return sseBetweenEvents, false
		}
		raw := dataBuf.String()
		dataBuf.Reset()
		if raw == "[DONE]" {
			return sseEventComplete, true
		}
		final := s.dispatch([]byte(raw), out)
		return sseEventComplete, final
	case strings.HasPrefix(line, "data:"):
		data := strings.TrimPrefix(line, "data:")
		data = strings.TrimPrefix(data, " ")
		if dataBuf.Len() > 0 {
			dataBuf.WriteByte('\n')
		}
		dataBuf.WriteString(data)
		return sseReadingData, false
	case strings.HasPrefix(line, ":"),
		strings.HasPrefix(line, "event:"),
		strings.HasPrefix(line, "id:"),
		strings.HasPrefix(line, "retry:"):
		return state, false
	default:
		return state, false
	}
}

// dispatch parses one event's accumulated data and emits it on out. A
// parse error is surfaced as an A2AEvent with RawError set rather than
// aborting the stream. It reports whether the event was a status update
// with final=true, which ends the stream immediately.
func (s *SSE) dispatch(raw []byte, out chan<- A2AEvent) bool {
	// Each data: field carries a JSON-RPC envelope; unwrap its result
	// before probing. Bare objects (no envelope) are tolerated
	// since some agents emit the payload directly.
	var envelope struct {
		Result json.RawMessage       `json:"result"`
		Error  *jsonrpc.ErrorObject  `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Error != nil {
			out <- A2AEvent{RawError: fmt.Errorf("transport: sse event carried a JSON-RPC error %d: %s", envelope.Error.Code, envelope.Error.Message)}
			return false
		}
		if len(envelope.Result) > 0 {
			raw = envelope.Result
		}
	}

	var probe struct {
		TaskID   string          `json:"taskId"`
		Status   string          `json:"status"`
		Final    bool            `json:"final"`
		Artifact json.RawMessage `json:"artifact"`
		Role     string          `json:"role"`
		ID       string          `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		out <- A2AEvent{RawError: fmt.Errorf("transport: sse event parse error: %w", err)}
		return false
	}

	switch {
	case probe.Artifact != nil:
		var a A2AArtifact
		if err := json.Unmarshal(raw, &a); err != nil {
			out <- A2AEvent{RawError: err}
			return false
		}
		out <- A2AEvent{Artifact: &a}
		return false
	case probe.Role != "":
		var m A2AMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			out <- A2AEvent{RawError: err}
			return false
		}
		out <- A2AEvent{Message: &m}
		return false
	case probe.ID != "" && probe.TaskID == "":
		var tk A2ATask
		if err := json.Unmarshal(raw, &tk); err != nil {
			out <- A2AEvent{RawError: err}
			return false
		}
		out <- A2AEvent{Task: &tk}
		return false
	case probe.TaskID != "":
		var su A2AStatusUpdate
		if err := json.Unmarshal(raw, &su); err != nil {
			out <- A2AEvent{RawError: err}
			return false
		}
		out <- A2AEvent{StatusUpdate: &su}
		return su.Final
	default:
		out <- A2AEvent{RawError: fmt.Errorf("transport: sse event has unrecognized shape: %s", raw)}
		return false
	}
}
