// ABOUTME: Tests for the query stream proxy
// ABOUTME: Covers ordering, persistence timing, failures, cancellation and context assembly

package query

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/engine-gateway/internal/apperr"
	"github.com/2389/engine-gateway/internal/history"
	"github.com/2389/engine-gateway/internal/prompt"
	"github.com/2389/engine-gateway/internal/registry"
	"github.com/2389/engine-gateway/internal/store"
	"github.com/2389/engine-gateway/internal/upstream"
)

type fakeStreamer struct {
	mu       sync.Mutex
	requests []upstream.Request
	openErr  error
	script   func(ctx context.Context, out chan<- upstream.Fragment)
}

func (f *fakeStreamer) StreamQuery(ctx context.Context, req upstream.Request) (<-chan upstream.Fragment, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}
	out := make(chan upstream.Fragment)
	go func() {
		defer close(out)
		f.script(ctx, out)
	}()
	return out, nil
}

func (f *fakeStreamer) lastRequest() upstream.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// texts streams each part in order.
func texts(parts ...string) func(context.Context, chan<- upstream.Fragment) {
	return func(ctx context.Context, out chan<- upstream.Fragment) {
		for _, p := range parts {
			select {
			case out <- upstream.Fragment{Text: p}:
			case <-ctx.Done():
				return
			}
		}
	}
}

type harness struct {
	proxy    *Proxy
	streamer *fakeStreamer
	store    *store.MockStore

	mu     sync.Mutex
	states map[string][]State
}

func newHarness(t *testing.T, script func(context.Context, chan<- upstream.Fragment)) *harness {
	t.Helper()
	reg := registry.New(registry.Config{Static: []registry.Agent{
		{Name: "bq_agent", DisplayName: "BigQuery Agent", EngineID: "111"},
		{Name: "gemini_agent", EngineID: "gemini-2.5-flash", Backend: registry.BackendGemini},
		{Name: "unconfigured"},
	}})
	ms := store.NewMockStore()
	fs := &fakeStreamer{script: script}

	h := &harness{streamer: fs, store: ms, states: make(map[string][]State)}
	h.proxy = New(reg, fs, history.NewService(ms, history.Config{}, nil), Config{
		SaveTimeout:      time.Second,
		SaveNoticeWindow: 200 * time.Millisecond,
	}, nil)
	h.proxy.observe = func(id string, s State) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.states[id] = append(h.states[id], s)
	}
	return h
}

func (h *harness) onlyStates(t *testing.T) []State {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.states, 1)
	for _, s := range h.states {
		return append([]State(nil), s...)
	}
	return nil
}

func drain(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("timed out draining chunks")
		}
	}
}

func waitSaves(t *testing.T, p *Proxy) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func TestSubmit_HappyPath(t *testing.T) {
	h := newHarness(t, texts("Hel", "lo", ", world"))
	ctx := context.Background()

	ch, err := h.proxy.Submit(ctx, Request{UserID: "alice", AgentName: "bq_agent", Message: "hi", SessionID: "s-1"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 4)
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.Equal(t, "lo", chunks[1].Text)
	assert.Equal(t, ", world", chunks[2].Text)
	assert.True(t, chunks[3].Done)
	assert.NotEmpty(t, chunks[3].QueryID)

	waitSaves(t, h.proxy)
	turns, err := h.store.ListTurns(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, chunks[3].QueryID, turns[0].ID)
	assert.Equal(t, "Hello, world", turns[0].Response)
	assert.Equal(t, "bq_agent", turns[0].AgentName)
	assert.Equal(t, "hi", turns[0].Message)

	req := h.streamer.lastRequest()
	assert.Equal(t, "111", req.EngineID)
	assert.Equal(t, "alice", req.UserID)
	assert.Equal(t, "s-1", req.SessionID)

	assert.Equal(t, []State{StateDispatched, StateStreaming, StateCompleted}, h.onlyStates(t))
}

func TestSubmit_PreservesOrder(t *testing.T) {
	var parts []string
	for i := 0; i < 200; i++ {
		parts = append(parts, fmt.Sprintf("[%d]", i))
	}
	h := newHarness(t, texts(parts...))

	ch, err := h.proxy.Submit(context.Background(), Request{UserID: "alice", AgentName: "bq_agent", Message: "count"})
	require.NoError(t, err)

	var got []string
	for _, c := range drain(t, ch) {
		if c.Kind() == KindText {
			got = append(got, c.Text)
		}
	}
	assert.Equal(t, parts, got)

	waitSaves(t, h.proxy)
	turns, _ := h.store.ListTurns(context.Background(), "alice", 0)
	require.Len(t, turns, 1)
	assert.Equal(t, strings.Join(parts, ""), turns[0].Response)
}

func TestSubmit_ResolveFailuresReturnBeforeStreaming(t *testing.T) {
	h := newHarness(t, texts("never"))
	ctx := context.Background()

	_, err := h.proxy.Submit(ctx, Request{UserID: "alice", AgentName: "ghost", Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.proxy.Submit(ctx, Request{UserID: "alice", AgentName: "unconfigured", Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	h.streamer.mu.Lock()
	assert.Empty(t, h.streamer.requests, "upstream must not be called")
	h.streamer.mu.Unlock()
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, texts("never"))
	ctx := context.Background()

	_, err := h.proxy.Submit(ctx, Request{UserID: "alice", AgentName: "bq_agent", Message: "   "})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.proxy.Submit(ctx, Request{UserID: "alice", Message: "hi"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.proxy.Submit(ctx, Request{AgentName: "bq_agent", Message: "hi"})
	assert.ErrorIs(t, err, apperr.ErrAuth)
}

func TestSubmit_UpstreamErrorMidStream(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, out chan<- upstream.Fragment) {
		out <- upstream.Fragment{Text: "partial"}
		out <- upstream.Fragment{Err: apperr.New(apperr.ErrUpstream, "the agent stream was interrupted")}
	})

	ch, err := h.proxy.Submit(context.Background(), Request{UserID: "alice", AgentName: "bq_agent", Message: "hi"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial", chunks[0].Text)
	assert.Equal(t, "the agent stream was interrupted", chunks[1].Error)
	for _, c := range chunks {
		assert.False(t, c.Done, "no done after an error")
	}

	waitSaves(t, h.proxy)
	counts, _ := h.store.TurnCounts(context.Background())
	assert.Empty(t, counts, "partial answers are never saved")
	assert.Equal(t, StateFailed, h.onlyStates(t)[2])
}

func TestSubmit_UpstreamTimeoutFailsWithoutSaving(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"content":{"parts":[{"text":"partial "}]}}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	client, err := upstream.NewReasoningEngineClient(context.Background(), upstream.ReasoningEngineConfig{
		Project:        "proj",
		BaseURL:        srv.URL + "/v1",
		RequestTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	reg := registry.New(registry.Config{Static: []registry.Agent{{Name: "bq_agent", EngineID: "111"}}})
	ms := store.NewMockStore()
	p := New(reg, client, history.NewService(ms, history.Config{}, nil), Config{
		SaveNoticeWindow: 100 * time.Millisecond,
	}, nil)

	ch, err := p.Submit(context.Background(), Request{UserID: "alice", AgentName: "bq_agent", Message: "hi"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial ", chunks[0].Text)
	assert.Equal(t, "the agent did not finish in time", chunks[1].Error)
	assert.False(t, chunks[1].Done)

	waitSaves(t, p)
	counts, err := ms.TurnCounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts, "a timed-out answer is never saved")
}

func TestSubmit_DispatchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.streamer.openErr = fmt.Errorf("%w: dial tcp 10.0.0.1:443: refused", apperr.New(apperr.ErrUpstream, "the agent service could not be reached"))

	ch, err := h.proxy.Submit(context.Background(), Request{UserID: "alice", AgentName: "bq_agent", Message: "hi"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, "the agent service could not be reached", chunks[0].Error)
	assert.NotContains(t, chunks[0].Error, "10.0.0.1")
	assert.Equal(t, []State{StateDispatched, StateFailed}, h.onlyStates(t))
}

func TestSubmit_CancellationReleasesUpstreamAndSkipsSave(t *testing.T) {
	released := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, out chan<- upstream.Fragment) {
		out <- upstream.Fragment{Text: "first"}
		<-ctx.Done()
		close(released)
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := h.proxy.Submit(ctx, Request{UserID: "alice", AgentName: "bq_agent", Message: "hi"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "first", first.Text)
	cancel()

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream was not released")
	}
	for c := range ch {
		assert.False(t, c.Done, "no done after cancellation")
	}

	waitSaves(t, h.proxy)
	counts, _ := h.store.TurnCounts(context.Background())
	assert.Empty(t, counts, "aborted queries are never saved")
	states := h.onlyStates(t)
	assert.Equal(t, StateFailed, states[len(states)-1])
}

func TestSubmit_EmptyAnswer(t *testing.T) {
	h := newHarness(t, texts())

	ch, err := h.proxy.Submit(context.Background(), Request{UserID: "alice", AgentName: "bq_agent", Message: "hi"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, EmptyResponseWarning, chunks[0].Warning)
	assert.True(t, chunks[1].Done)
	assert.Empty(t, chunks[1].QueryID)

	waitSaves(t, h.proxy)
	counts, _ := h.store.TurnCounts(context.Background())
	assert.Empty(t, counts)
}

func TestSubmit_DoneIsNotGatedBySave(t *testing.T) {
	h := newHarness(t, texts("answer"))
	h.store.SaveDelay = 600 * time.Millisecond

	ch, err := h.proxy.Submit(context.Background(), Request{UserID: "alice", AgentName: "bq_agent", Message: "hi"})
	require.NoError(t, err)

	start := time.Now()
	assert.Equal(t, "answer", (<-ch).Text)
	done := <-ch
	assert.True(t, done.Done)
	assert.Less(t, time.Since(start), 300*time.Millisecond, "done waited on persistence")

	// The stream closes after the notice window even though the save is still running.
	_, open := <-ch
	assert.False(t, open)

	waitSaves(t, h.proxy)
	turns, _ := h.store.ListTurns(context.Background(), "alice", 0)
	require.Len(t, turns, 1)
	assert.Equal(t, done.QueryID, turns[0].ID)
}

func TestSubmit_SaveFailureSendsTrailingNotice(t *testing.T) {
	h := newHarness(t, texts("answer"))
	h.store.SaveErr = errors.New("database is locked")

	ch, err := h.proxy.Submit(context.Background(), Request{UserID: "alice", AgentName: "bq_agent", Message: "hi"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "answer", chunks[0].Text)
	assert.True(t, chunks[1].Done)
	assert.Equal(t, "failed to save query history", chunks[2].SaveError)
	assert.NotContains(t, chunks[2].SaveError, "locked")
}

func TestSubmit_DisconnectAfterDoneStillSaves(t *testing.T) {
	h := newHarness(t, texts("answer"))
	h.store.SaveDelay = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := h.proxy.Submit(ctx, Request{UserID: "alice", AgentName: "bq_agent", Message: "hi"})
	require.NoError(t, err)

	<-ch
	done := <-ch
	require.True(t, done.Done)
	cancel()
	for range ch {
	}

	waitSaves(t, h.proxy)
	turns, _ := h.store.ListTurns(context.Background(), "alice", 0)
	require.Len(t, turns, 1)
}

func TestSubmit_BuildsContextFromHistory(t *testing.T) {
	h := newHarness(t, texts("ok"))

	var prior []prompt.Message
	for i := 0; i < 8; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		prior = append(prior, prompt.Message{Role: role, Content: fmt.Sprintf("m%d", i)})
	}

	ch, err := h.proxy.Submit(context.Background(), Request{UserID: "alice", AgentName: "bq_agent", Message: "next", History: prior})
	require.NoError(t, err)
	drain(t, ch)

	sent := h.streamer.lastRequest().Message
	assert.NotContains(t, sent, "m0")
	assert.NotContains(t, sent, "m1")
	assert.Contains(t, sent, "User: m2")
	assert.True(t, strings.HasSuffix(sent, "User: next"))

	waitSaves(t, h.proxy)
	turns, _ := h.store.ListTurns(context.Background(), "alice", 0)
	require.Len(t, turns, 1)
	assert.Equal(t, sent, turns[0].Message, "the saved message is the contextualized prompt")
}

func TestSubmit_RoutesBackend(t *testing.T) {
	h := newHarness(t, texts("ok"))

	ch, err := h.proxy.Submit(context.Background(), Request{UserID: "alice", AgentName: "gemini_agent", Message: "hi"})
	require.NoError(t, err)
	drain(t, ch)

	req := h.streamer.lastRequest()
	assert.Equal(t, registry.BackendGemini, req.Backend)
	assert.Equal(t, "gemini-2.5-flash", req.EngineID)
	waitSaves(t, h.proxy)
}

func TestSubmit_ConcurrentQueriesAreIndependent(t *testing.T) {
	h := newHarness(t, texts("a", "b", "c"))
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := h.proxy.Submit(ctx, Request{UserID: fmt.Sprintf("user-%d", i), AgentName: "bq_agent", Message: "hi"})
			if !assert.NoError(t, err) {
				return
			}
			var sb strings.Builder
			for c := range ch {
				sb.WriteString(c.Text)
			}
			assert.Equal(t, "abc", sb.String())
		}(i)
	}
	wg.Wait()

	waitSaves(t, h.proxy)
	counts, _ := h.store.TurnCounts(ctx)
	assert.Len(t, counts, n)
	for _, c := range counts {
		assert.Equal(t, 1, c)
	}
}

func TestQuery_NonStreaming(t *testing.T) {
	h := newHarness(t, texts("Hello", " there"))

	res, err := h.proxy.Query(context.Background(), Request{UserID: "alice", AgentName: "bq_agent", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", res.Response)
	assert.Equal(t, "bq_agent", res.AgentName)
	assert.NotEmpty(t, res.QueryID)
	waitSaves(t, h.proxy)
}

func TestQuery_UpstreamError(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, out chan<- upstream.Fragment) {
		out <- upstream.Fragment{Err: apperr.New(apperr.ErrUpstream, "boom")}
	})

	_, err := h.proxy.Query(context.Background(), Request{UserID: "alice", AgentName: "bq_agent", Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Equal(t, 502, apperr.HTTPStatus(err))
}

func TestChunkKind(t *testing.T) {
	assert.Equal(t, KindText, Chunk{Text: "x"}.Kind())
	assert.Equal(t, KindError, Chunk{Error: "x"}.Kind())
	assert.Equal(t, KindWarning, Chunk{Warning: "x"}.Kind())
	assert.Equal(t, KindSaveError, Chunk{SaveError: "x"}.Kind())
	assert.Equal(t, KindDone, Chunk{Done: true, QueryID: "q"}.Kind())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateDispatched.Terminal())
}
