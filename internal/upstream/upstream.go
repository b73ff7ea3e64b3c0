// ABOUTME: Streaming interface to the external reasoning service
// ABOUTME: Defines Request/Fragment and the Router that dispatches by backend kind

package upstream

import (
	"context"
	"fmt"

	"github.com/2389/engine-gateway/internal/apperr"
)

// Backend kinds. They match the registry's agent backends.
const (
	BackendReasoningEngine = "reasoning_engine"
	BackendGemini          = "gemini"
)

// Request is one streaming query.
type Request struct {
	Backend   string // empty means BackendReasoningEngine
	EngineID  string // reasoning engine ID, or model name for BackendGemini
	Message   string // fully contextualized prompt
	UserID    string
	SessionID string // advisory continuity hint; may be empty
}

// Fragment is one piece of a streamed answer. A fragment with Err set is the
// last one sent.
type Fragment struct {
	Text string
	Err  error
}

// Streamer opens a streaming query. Errors that occur before any output
// (connection failure, non-success status) are returned directly; later
// failures arrive as an Err fragment. The channel is closed when the answer
// is complete, after an Err fragment, or once ctx is cancelled.
type Streamer interface {
	StreamQuery(ctx context.Context, req Request) (<-chan Fragment, error)
}

// Router dispatches requests to the Streamer registered for their backend.
type Router struct {
	backends map[string]Streamer
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{backends: make(map[string]Streamer)}
}

// Handle registers s for backend.
func (r *Router) Handle(backend string, s Streamer) {
	r.backends[backend] = s
}

// StreamQuery implements Streamer.
func (r *Router) StreamQuery(ctx context.Context, req Request) (<-chan Fragment, error) {
	backend := req.Backend
	if backend == "" {
		backend = BackendReasoningEngine
	}
	s, ok := r.backends[backend]
	if !ok {
		return nil, apperr.Newf(apperr.ErrUpstream, "no upstream configured for backend %q", backend)
	}
	return s.StreamQuery(ctx, req)
}

// upstreamError wraps err as an upstream failure with a client-safe message.
func upstreamError(msg string, err error) error {
	return fmt.Errorf("%w: %v", apperr.New(apperr.ErrUpstream, msg), err)
}

// send delivers f unless ctx is done. Reports whether f was delivered.
func send(ctx context.Context, ch chan<- Fragment, f Fragment) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
