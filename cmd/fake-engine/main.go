// ABOUTME: Fake reasoning engine API for local runs and E2E testing: lists engines and echoes queries.
// ABOUTME: Usage: fake-engine [-addr localhost:9090] [-engines "Echo Agent,Markdown Agent"] [-delay 50ms]
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	addr := flag.String("addr", "localhost:9090", "listen address")
	engines := flag.String("engines", "Echo Agent", "comma-separated engine display names")
	delay := flag.Duration("delay", 50*time.Millisecond, "delay between streamed chunks")
	flag.Parse()

	if err := run(*addr, strings.Split(*engines, ","), *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, names []string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newHandler(names, delay),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake reasoning engine API on http://%s/v1 (engines: %s)\n", addr, strings.Join(names, ", "))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type engine struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

type fakeEngine struct {
	names []string
	delay time.Duration
}

// newHandler serves the two reasoning engine endpoints the gateway calls.
// Engine IDs are the 1-based positions of names.
func newHandler(names []string, delay time.Duration) http.Handler {
	f := &fakeEngine{delay: delay}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			f.names = append(f.names, n)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/v1/projects/{project}/locations/{location}/reasoningEngines", func(r chi.Router) {
		r.Get("/", f.handleList)
		r.Post("/{method}", f.handleStreamQuery)
	})
	return r
}

func (f *fakeEngine) handleList(w http.ResponseWriter, r *http.Request) {
	parent := fmt.Sprintf("projects/%s/locations/%s", chi.URLParam(r, "project"), chi.URLParam(r, "location"))

	list := make([]engine, 0, len(f.names))
	for i, n := range f.names {
		list = append(list, engine{
			Name:        fmt.Sprintf("%s/reasoningEngines/%d", parent, i+1),
			DisplayName: n,
			Description: "Fake engine that echoes its input",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"reasoningEngines": list})
}

// handleStreamQuery serves POST .../reasoningEngines/{id}:streamQuery.
func (f *fakeEngine) handleStreamQuery(w http.ResponseWriter, r *http.Request) {
	id, method, ok := strings.Cut(chi.URLParam(r, "method"), ":")
	if !ok || method != "streamQuery" {
		http.Error(w, `{"error":{"code":404,"message":"unknown method"}}`, http.StatusNotFound)
		return
	}
	if !f.known(id) {
		http.Error(w, `{"error":{"code":404,"message":"reasoning engine not found"}}`, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":{"code":400,"message":"unreadable body"}}`, http.StatusBadRequest)
		return
	}
	message := gjson.GetBytes(body, "input.message").String()
	if message == "" {
		http.Error(w, `{"error":{"code":400,"message":"input.message is required"}}`, http.StatusBadRequest)
		return
	}
	log.Printf("streamQuery engine=%s user=%s session=%s len=%d", id,
		gjson.GetBytes(body, "input.user_id").String(),
		gjson.GetBytes(body, "input.session_id").String(),
		len(message))

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	for _, chunk := range chunks(echoReply(message)) {
		var line bytes.Buffer
		_ = json.NewEncoder(&line).Encode(map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": chunk}},
			},
		})
		if _, err := w.Write(line.Bytes()); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		select {
		case <-time.After(f.delay):
		case <-r.Context().Done():
			return
		}
	}
}

func (f *fakeEngine) known(id string) bool {
	for i := range f.names {
		if id == fmt.Sprint(i+1) {
			return true
		}
	}
	return false
}

// chunks splits s into word-sized pieces that concatenate back to s.
func chunks(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\n' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func echoReply(input string) string {
	// Contextualized prompts end with the new message after the last "User: ".
	if i := strings.LastIndex(input, "User: "); i >= 0 {
		input = input[i+len("User: "):]
	}
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
