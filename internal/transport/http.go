package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
)

// HTTP is a plain request/response JSON-RPC client: POST <baseUrl>,
// application/json body and response, same envelope shape both ways.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP builds an HTTP JSON-RPC client against baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Call sends env as the request body and classifies the response.
func (h *HTTP) Call(ctx context.Context, env jsonrpc.Envelope) (jsonrpc.Frame, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return jsonrpc.Frame{}, fmt.Errorf("transport: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL, bytes.NewReader(body))
	if err != nil {
		return jsonrpc.Frame{}, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return jsonrpc.Frame{}, fmt.Errorf("transport: http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return jsonrpc.Frame{}, fmt.Errorf("transport: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return jsonrpc.Frame{Kind: jsonrpc.KindTransportEvent, Raw: raw},
			fmt.Errorf("transport: upstream returned status %d", resp.StatusCode)
	}

	return jsonrpc.Classify(raw), nil
}
