// ABOUTME: Server-sent event framing for query streams
// ABOUTME: Writes one event per chunk and keeps idle streams alive with comment frames

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/engine-gateway/internal/apperr"
	"github.com/2389/engine-gateway/internal/query"
)

// defaultKeepAlive is how long a stream may sit idle before a comment frame
// is written. Agents can think for well over a minute before the first token.
const defaultKeepAlive = 15 * time.Second

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes a single event:
//
//	event: <event>\ndata: <json>\n\n
func writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// writeStreamError answers a stream request that failed before dispatch.
func (g *Gateway) writeStreamError(w http.ResponseWriter, r *http.Request, flusher http.Flusher, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("query stream failed before dispatch", "path", r.URL.Path, "error", err)
	}

	setSSEHeaders(w)
	w.WriteHeader(status)
	_ = writeSSEEvent(w, query.KindError, query.Chunk{Error: apperr.PublicMessage(err)})
	flusher.Flush()
}

// streamChunks forwards chunks until the proxy closes the channel. The first
// write failure means the client is gone: cancel aborts the query so nothing
// undelivered is recorded, and the loop keeps draining until the proxy closes.
func (g *Gateway) streamChunks(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, flusher http.Flusher, chunks <-chan query.Chunk) {
	ticker := time.NewTicker(g.keepAlive)
	defer ticker.Stop()

	broken := false
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return
			}
			if broken {
				continue
			}
			if err := writeSSEEvent(w, c.Kind(), c); err != nil {
				g.logger.Debug("client stream write failed", "error", err, "canceled", ctx.Err() != nil)
				broken = true
				cancel()
				continue
			}
			flusher.Flush()
			ticker.Reset(g.keepAlive)

		case <-ticker.C:
			if broken {
				continue
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				broken = true
				cancel()
				continue
			}
			flusher.Flush()
		}
	}
}
