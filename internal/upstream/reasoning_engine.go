// ABOUTME: REST client for Vertex AI reasoning engines (list + streamQuery)
// ABOUTME: Authenticates with Google credentials and parses NDJSON answers with gjson

package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/2389/engine-gateway/internal/apperr"
	"github.com/2389/engine-gateway/internal/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errTimedOut = apperr.New(apperr.ErrUpstream, "the agent did not finish in time")

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

	// maxLineBytes caps one NDJSON line of the streamed answer.
	maxLineBytes = 4 << 20

	// errorBodyLimit caps how much of a failed response is logged.
	errorBodyLimit = 500

	defaultRequestTimeout = 180 * time.Second
)

// ReasoningEngineConfig configures a ReasoningEngineClient.
type ReasoningEngineConfig struct {
	Project  string
	Location string

	// BaseURL overrides https://{Location}-aiplatform.googleapis.com/v1.
	BaseURL string

	// CredentialsFile is a service account or authorized user JSON file.
	// When empty, Application Default Credentials are used, unless BaseURL
	// is set, in which case requests are sent without credentials.
	CredentialsFile string

	// RequestTimeout bounds one streamQuery call end to end.
	RequestTimeout time.Duration

	// HTTPClient replaces the credentialed client entirely.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// ReasoningEngineClient talks to the reasoning engine REST API.
type ReasoningEngineClient struct {
	http    *http.Client
	baseURL string
	parent  string // projects/{p}/locations/{l}
	timeout time.Duration
	logger  *slog.Logger
}

// NewReasoningEngineClient builds a client, resolving credentials as configured.
func NewReasoningEngineClient(ctx context.Context, cfg ReasoningEngineConfig) (*ReasoningEngineClient, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("project is required")
	}
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", cfg.Location)
	}

	client := cfg.HTTPClient
	if client == nil {
		var err error
		client, err = credentialedClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	return &ReasoningEngineClient{
		http:    client,
		baseURL: baseURL,
		parent:  fmt.Sprintf("projects/%s/locations/%s", url.PathEscape(cfg.Project), url.PathEscape(cfg.Location)),
		timeout: cfg.RequestTimeout,
		logger:  cfg.Logger.With("component", "upstream"),
	}, nil
}

func credentialedClient(ctx context.Context, cfg ReasoningEngineConfig) (*http.Client, error) {
	// The token source outlives the constructor's context.
	ctx = context.WithoutCancel(ctx)

	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("reading credentials file: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("parsing credentials file: %w", err)
		}
		return oauth2.NewClient(ctx, creds.TokenSource), nil
	}

	if cfg.BaseURL != "" {
		return &http.Client{}, nil
	}

	client, err := google.DefaultClient(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("loading default credentials: %w", err)
	}
	return client, nil
}

// ListEngines implements registry.Discoverer. It follows nextPageToken until
// every engine has been listed.
func (c *ReasoningEngineClient) ListEngines(ctx context.Context) ([]registry.Engine, error) {
	var engines []registry.Engine
	pageToken := ""

	for {
		u := fmt.Sprintf("%s/%s/reasoningEngines", c.baseURL, c.parent)
		if pageToken != "" {
			u += "?pageToken=" + url.QueryEscape(pageToken)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("building list request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, upstreamError("failed to list agents", err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxLineBytes))
		resp.Body.Close()
		if err != nil {
			return nil, upstreamError("failed to list agents", err)
		}
		if resp.StatusCode != http.StatusOK {
			c.logFailure("list", resp.StatusCode, body)
			return nil, apperr.Newf(apperr.ErrUpstream, "listing agents failed with status %d", resp.StatusCode)
		}
		if !gjson.ValidBytes(body) {
			return nil, apperr.New(apperr.ErrUpstream, "agent listing was not valid JSON")
		}

		parsed := gjson.ParseBytes(body)
		parsed.Get("reasoningEngines").ForEach(func(_, e gjson.Result) bool {
			name := e.Get("name").String()
			engines = append(engines, registry.Engine{
				ID:          name[strings.LastIndex(name, "/")+1:],
				DisplayName: e.Get("displayName").String(),
				Description: e.Get("description").String(),
			})
			return true
		})

		pageToken = parsed.Get("nextPageToken").String()
		if pageToken == "" {
			return engines, nil
		}
	}
}

// StreamQuery implements Streamer against the :streamQuery endpoint.
func (c *ReasoningEngineClient) StreamQuery(ctx context.Context, r Request) (<-chan Fragment, error) {
	if r.EngineID == "" {
		return nil, apperr.New(apperr.ErrUpstream, "agent has no engine configured")
	}

	input := map[string]string{
		"message": r.Message,
		"user_id": r.UserID,
	}
	if r.SessionID != "" {
		input["session_id"] = r.SessionID
	}
	payload, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	u := fmt.Sprintf("%s/%s/reasoningEngines/%s:streamQuery", c.baseURL, c.parent, url.PathEscape(r.EngineID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, upstreamError("the agent service could not be reached", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		cancel()
		c.logFailure("streamQuery", resp.StatusCode, body)
		return nil, apperr.Newf(apperr.ErrUpstream, "the agent service returned status %d", resp.StatusCode)
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		fragments := 0
		stopped := false
		err := scanAnswer(resp.Body, func(text string) bool {
			fragments++
			if !send(ctx, out, Fragment{Text: text}) {
				stopped = true
				return false
			}
			return true
		})

		switch {
		case parent.Err() != nil:
			// The caller went away; nobody is reading.
			return
		case ctx.Err() != nil && (err != nil || stopped):
			// Our own deadline cut the answer short. It is incomplete, not finished.
			err = fmt.Errorf("%w: %v", errTimedOut, ctx.Err())
		}
		if err != nil {
			c.logger.Warn("stream interrupted", "engine_id", r.EngineID, "fragments", fragments, "error", err)
			send(parent, out, Fragment{Err: err})
			return
		}
		c.logger.Debug("stream finished",
			"engine_id", r.EngineID,
			"fragments", fragments,
			"duration", time.Since(start),
		)
	}()
	return out, nil
}

// scanAnswer reads NDJSON lines and calls emit with each non-empty text part
// in order. Lines that are not JSON are skipped. An in-band error object ends
// the scan with an upstream error. Scanning stops early when emit returns false.
func scanAnswer(body io.Reader, emit func(string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		line = bytes.TrimPrefix(line, []byte("data:"))
		line = bytes.TrimSpace(line)
		if len(line) == 0 || !gjson.ValidBytes(line) {
			continue
		}

		doc := gjson.ParseBytes(line)
		if msg := doc.Get("error.message"); msg.Exists() {
			return upstreamError("the agent reported an error", fmt.Errorf("%s", msg.String()))
		}

		stopped := false
		doc.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			text := part.Get("text").String()
			if text == "" {
				return true
			}
			if !emit(text) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return upstreamError("the agent stream was interrupted", err)
	}
	return nil
}

func (c *ReasoningEngineClient) logFailure(op string, status int, body []byte) {
	if len(body) > errorBodyLimit {
		body = body[:errorBodyLimit]
	}
	c.logger.Warn("upstream request failed", "op", op, "status", status, "body", string(body))
}

// Compile-time interface checks
var (
	_ Streamer            = (*ReasoningEngineClient)(nil)
	_ registry.Discoverer = (*ReasoningEngineClient)(nil)
)
