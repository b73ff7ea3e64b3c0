// ABOUTME: Tests for the reasoning engine REST client against an httptest server
// ABOUTME: Covers listing with pagination, NDJSON streaming, errors, and cancellation

package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/engine-gateway/internal/apperr"
)

func newTestClient(t *testing.T, handler http.Handler) *ReasoningEngineClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewReasoningEngineClient(context.Background(), ReasoningEngineConfig{
		Project:        "proj",
		Location:       "us-central1",
		BaseURL:        srv.URL + "/v1",
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func collect(t *testing.T, ch <-chan Fragment) ([]string, error) {
	t.Helper()
	var texts []string
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return texts, nil
			}
			if f.Err != nil {
				return texts, f.Err
			}
			texts = append(texts, f.Text)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for fragments")
		}
	}
}

func TestListEngines_Paginates(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/proj/locations/us-central1/reasoningEngines", r.URL.Path)
		switch r.URL.Query().Get("pageToken") {
		case "":
			fmt.Fprint(w, `{"reasoningEngines":[
				{"name":"projects/proj/locations/us-central1/reasoningEngines/111","displayName":"bq_agent","description":"billing"}
			],"nextPageToken":"p2"}`)
		case "p2":
			fmt.Fprint(w, `{"reasoningEngines":[
				{"name":"projects/proj/locations/us-central1/reasoningEngines/222","displayName":"Sales Agent"}
			]}`)
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("pageToken"))
			http.Error(w, "bad token", http.StatusBadRequest)
		}
	}))

	engines, err := c.ListEngines(context.Background())
	require.NoError(t, err)
	require.Len(t, engines, 2)
	assert.Equal(t, "111", engines[0].ID)
	assert.Equal(t, "bq_agent", engines[0].DisplayName)
	assert.Equal(t, "billing", engines[0].Description)
	assert.Equal(t, "222", engines[1].ID)
}

func TestListEngines_Empty(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))

	engines, err := c.ListEngines(context.Background())
	require.NoError(t, err)
	assert.Empty(t, engines)
}

func TestListEngines_ErrorStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"permission denied on projects/proj"}}`, http.StatusForbidden)
	}))

	_, err := c.ListEngines(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.NotContains(t, apperr.PublicMessage(err), "projects/proj")
}

func TestStreamQuery_RelaysTextInOrder(t *testing.T) {
	bodies := make(chan string, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/proj/locations/us-central1/reasoningEngines/111:streamQuery", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)

		fl := w.(http.Flusher)
		lines := []string{
			`{"content":{"parts":[{"text":"Hel"}],"role":"model"}}`,
			`not json at all`,
			``,
			`{"content":{"parts":[{"function_call":{"name":"q"}},{"text":"lo"},{"text":""}]}}`,
			`{"actions":{}}`,
			`data: {"content":{"parts":[{"text":", world"}]}}`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
			fl.Flush()
		}
	}))

	ch, err := c.StreamQuery(context.Background(), Request{EngineID: "111", Message: "hi", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	texts, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", ", world"}, texts)

	assert.JSONEq(t, `{"input":{"message":"hi","user_id":"u1","session_id":"s1"}}`, <-bodies)
}

func TestStreamQuery_OmitsEmptySession(t *testing.T) {
	bodies := make(chan string, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
	}))

	ch, err := c.StreamQuery(context.Background(), Request{EngineID: "111", Message: "hi", UserID: "u1"})
	require.NoError(t, err)
	texts, err := collect(t, ch)
	require.NoError(t, err)
	assert.Empty(t, texts)
	assert.JSONEq(t, `{"input":{"message":"hi","user_id":"u1"}}`, <-bodies)
}

func TestStreamQuery_NonOKStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal stack trace at engine 111", http.StatusInternalServerError)
	}))

	_, err := c.StreamQuery(context.Background(), Request{EngineID: "111", Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Equal(t, "the agent service returned status 500", apperr.PublicMessage(err))
}

func TestStreamQuery_InBandError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"content":{"parts":[{"text":"partial"}]}}`)
		fmt.Fprintln(w, `{"error":{"code":500,"message":"tool crashed"}}`)
		fmt.Fprintln(w, `{"content":{"parts":[{"text":"never"}]}}`)
	}))

	ch, err := c.StreamQuery(context.Background(), Request{EngineID: "111", Message: "hi"})
	require.NoError(t, err)

	texts, err := collect(t, ch)
	assert.Equal(t, []string{"partial"}, texts)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
}

func TestStreamQuery_MissingEngine(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.StreamQuery(context.Background(), Request{Message: "hi"})
	assert.ErrorIs(t, err, apperr.ErrUpstream)
}

func TestStreamQuery_CancellationClosesChannel(t *testing.T) {
	released := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"content":{"parts":[{"text":"first"}]}}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(released)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.StreamQuery(ctx, Request{EngineID: "111", Message: "hi"})
	require.NoError(t, err)

	f := <-ch
	assert.Equal(t, "first", f.Text)
	cancel()

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not released after cancellation")
	}
	for range ch {
	}
}

func TestStreamQuery_RequestTimeoutIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"content":{"parts":[{"text":"partial "}]}}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewReasoningEngineClient(context.Background(), ReasoningEngineConfig{
		Project:        "proj",
		BaseURL:        srv.URL + "/v1",
		RequestTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	ch, err := c.StreamQuery(context.Background(), Request{EngineID: "111", Message: "hi"})
	require.NoError(t, err)

	got, err := collect(t, ch)
	assert.Equal(t, []string{"partial "}, got)
	require.Error(t, err, "a truncated answer must not look complete")
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Equal(t, "the agent did not finish in time", apperr.PublicMessage(err))
}

func TestScanAnswer_StopsWhenEmitRefuses(t *testing.T) {
	body := strings.NewReader(`{"content":{"parts":[{"text":"a"},{"text":"b"}]}}` + "\n" + `{"content":{"parts":[{"text":"c"}]}}`)
	var got []string
	err := scanAnswer(body, func(s string) bool {
		got = append(got, s)
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
}

func TestScanAnswer_LineTooLong(t *testing.T) {
	body := strings.NewReader(strings.Repeat("x", maxLineBytes+10))
	err := scanAnswer(body, func(string) bool { return true })
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrUpstream))
}
