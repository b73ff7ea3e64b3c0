// ABOUTME: Query stream proxy: resolves an agent, relays its streamed answer, then records it
// ABOUTME: Persistence runs detached from the client and never delays the done chunk

package query

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/engine-gateway/internal/apperr"
	"github.com/2389/engine-gateway/internal/prompt"
	"github.com/2389/engine-gateway/internal/registry"
	"github.com/2389/engine-gateway/internal/upstream"
)

// Defaults for Config.
const (
	DefaultSaveTimeout      = 5 * time.Second
	DefaultSaveNoticeWindow = 2 * time.Second
)

// EmptyResponseWarning is sent when the agent finishes without any text.
const EmptyResponseWarning = "the agent returned an empty response"

// Resolver finds an available agent by name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (registry.Agent, error)
}

// Saver records a completed turn under a pre-assigned ID.
type Saver interface {
	SaveWithID(ctx context.Context, id, userID, agentName, message, response string) error
}

// Request is one query submission.
type Request struct {
	UserID    string
	AgentName string
	Message   string
	History   []prompt.Message // visible conversation, oldest first
	SessionID string
}

// Config tunes the proxy.
type Config struct {
	Window           int           // prior messages included in the prompt; 0 means prompt.DefaultWindow
	SaveTimeout      time.Duration // bound on one history write
	SaveNoticeWindow time.Duration // how long the stream stays open after done for a save_error
}

// Proxy runs queries. It holds no per-query state, so one Proxy serves any
// number of concurrent queries.
type Proxy struct {
	agents   Resolver
	streamer upstream.Streamer
	saver    Saver
	cfg      Config
	logger   *slog.Logger

	saves sync.WaitGroup

	// observe, when set, is called on every state transition.
	observe func(queryID string, s State)
}

// New creates a Proxy.
func New(agents Resolver, streamer upstream.Streamer, saver Saver, cfg Config, logger *slog.Logger) *Proxy {
	if cfg.Window == 0 {
		cfg.Window = prompt.DefaultWindow
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = DefaultSaveTimeout
	}
	if cfg.SaveNoticeWindow <= 0 {
		cfg.SaveNoticeWindow = DefaultSaveNoticeWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		agents:   agents,
		streamer: streamer,
		saver:    saver,
		cfg:      cfg,
		logger:   logger.With("component", "query"),
	}
}

// Submit resolves the agent and starts the query. Validation and resolution
// failures are returned directly and nothing is streamed. Once dispatched,
// every outcome arrives on the channel, which closes after the last chunk.
// Cancelling ctx stops forwarding, releases the upstream call, and suppresses
// the history write.
func (p *Proxy) Submit(ctx context.Context, req Request) (<-chan Chunk, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, apperr.New(apperr.ErrValidation, "message is required")
	}
	if req.AgentName == "" {
		return nil, apperr.New(apperr.ErrValidation, "agent_name is required")
	}
	if req.UserID == "" {
		return nil, apperr.New(apperr.ErrAuth, "user is required")
	}

	agent, err := p.agents.Resolve(ctx, req.AgentName)
	if err != nil {
		return nil, err
	}

	c := &call{
		proxy:  p,
		id:     uuid.New().String(),
		req:    req,
		agent:  agent,
		out:    make(chan Chunk, 16),
		logger: p.logger.With("agent", agent.Name, "user_id", req.UserID),
	}
	c.prompt = prompt.BuildWindow(req.History, req.Message, p.cfg.Window)
	c.transition(StateDispatched)

	go c.run(ctx)
	return c.out, nil
}

// Result is the outcome of a non-streaming Query.
type Result struct {
	Response  string `json:"response"`
	AgentName string `json:"agent_name"`
	UserID    string `json:"user_id"`
	QueryID   string `json:"query_id,omitempty"`
	Warning   string `json:"warning,omitempty"`
	SaveError string `json:"save_error,omitempty"`
}

// Query runs Submit to completion and returns the assembled answer.
func (p *Proxy) Query(ctx context.Context, req Request) (*Result, error) {
	chunks, err := p.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Result{AgentName: req.AgentName, UserID: req.UserID}
	var sb strings.Builder
	for c := range chunks {
		switch c.Kind() {
		case KindText:
			sb.WriteString(c.Text)
		case KindError:
			return nil, apperr.New(apperr.ErrUpstream, c.Error)
		case KindWarning:
			res.Warning = c.Warning
		case KindSaveError:
			res.SaveError = c.SaveError
			res.QueryID = ""
		case KindDone:
			res.QueryID = c.QueryID
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Response = sb.String()
	return res, nil
}

// Wait blocks until in-flight history writes finish or ctx is done.
func (p *Proxy) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.saves.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call is the state of one query.
type call struct {
	proxy  *Proxy
	id     string
	req    Request
	agent  registry.Agent
	prompt string
	state  State
	out    chan Chunk
	logger *slog.Logger
}

func (c *call) transition(s State) {
	c.state = s
	if c.proxy.observe != nil {
		c.proxy.observe(c.id, s)
	}
}

// emit delivers a chunk unless the caller has gone away.
func (c *call) emit(ctx context.Context, ch Chunk) bool {
	select {
	case c.out <- ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail ends the call. A nil err means the caller cancelled and nothing is sent.
func (c *call) fail(ctx context.Context, err error, reason string) {
	c.transition(StateFailed)
	if err == nil {
		c.logger.Info("query cancelled", "query_id", c.id, "reason", reason)
		return
	}
	c.logger.Warn("query failed", "query_id", c.id, "reason", reason, "error", err)
	c.emit(ctx, Chunk{Error: apperr.PublicMessage(err)})
}

func (c *call) run(ctx context.Context) {
	defer close(c.out)
	start := time.Now()

	fragments, err := c.proxy.streamer.StreamQuery(ctx, upstream.Request{
		Backend:   c.agent.Backend,
		EngineID:  c.agent.EngineID,
		Message:   c.prompt,
		UserID:    c.req.UserID,
		SessionID: c.req.SessionID,
	})
	if err != nil {
		if ctx.Err() != nil {
			c.fail(ctx, nil, "cancelled")
			return
		}
		c.fail(ctx, err, "dispatch")
		return
	}
	c.transition(StateStreaming)

	var answer strings.Builder
	count := 0
	for {
		select {
		case f, ok := <-fragments:
			if !ok {
				if ctx.Err() != nil {
					c.fail(ctx, nil, "cancelled")
					return
				}
				c.complete(ctx, answer.String(), count, start)
				return
			}
			if f.Err != nil {
				c.fail(ctx, f.Err, "upstream")
				return
			}
			if f.Text == "" {
				continue
			}
			answer.WriteString(f.Text)
			count++
			if !c.emit(ctx, Chunk{Text: f.Text}) {
				c.fail(ctx, nil, "cancelled")
				return
			}
		case <-ctx.Done():
			c.fail(ctx, nil, "cancelled")
			return
		}
	}
}

func (c *call) complete(ctx context.Context, answer string, fragments int, start time.Time) {
	c.transition(StateCompleted)
	c.logger.Info("query completed",
		"query_id", c.id,
		"fragments", fragments,
		"response_len", len(answer),
		"duration", time.Since(start),
	)

	if answer == "" {
		if c.emit(ctx, Chunk{Warning: EmptyResponseWarning}) {
			c.emit(ctx, Chunk{Done: true})
		}
		return
	}

	if !c.emit(ctx, Chunk{Done: true, QueryID: c.id}) {
		// The caller left before seeing done; treat as aborted.
		c.logger.Debug("caller left before done, not saving", "query_id", c.id)
		return
	}

	saved := c.save(ctx, answer)

	timer := time.NewTimer(c.proxy.cfg.SaveNoticeWindow)
	defer timer.Stop()
	select {
	case err := <-saved:
		if err != nil {
			c.emit(ctx, Chunk{SaveError: apperr.PublicMessage(err)})
		}
	case <-timer.C:
		c.logger.Debug("save still running after notice window", "query_id", c.id)
	case <-ctx.Done():
	}
}

// save writes the turn on a context detached from the caller so a disconnect
// after done cannot abort it. The result channel is buffered so the writer
// never blocks on a reader that has moved on.
func (c *call) save(ctx context.Context, answer string) <-chan error {
	result := make(chan error, 1)
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.proxy.cfg.SaveTimeout)

	c.proxy.saves.Add(1)
	go func() {
		defer c.proxy.saves.Done()
		defer cancel()

		err := c.proxy.saver.SaveWithID(saveCtx, c.id, c.req.UserID, c.agent.Name, c.prompt, answer)
		if err != nil {
			c.logger.Error("failed to save query history", "query_id", c.id, "error", err)
		}
		result <- err
	}()
	return result
}
