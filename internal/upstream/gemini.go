// ABOUTME: Gemini backend that streams answers straight from a model via the genai SDK
// ABOUTME: Used for agents configured with backend "gemini"; the engine ID is the model name

package upstream

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

// GeminiConfig configures a GeminiStreamer. With an APIKey the Gemini API is
// used; otherwise Vertex AI with Project and Location.
type GeminiConfig struct {
	APIKey   string
	Project  string
	Location string

	// BaseURL overrides the service endpoint.
	BaseURL string

	Logger *slog.Logger
}

// GeminiStreamer implements Streamer with genai's streaming generation.
type GeminiStreamer struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGeminiStreamer creates a genai client for the configured backend.
func NewGeminiStreamer(ctx context.Context, cfg GeminiConfig) (*GeminiStreamer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cc := &genai.ClientConfig{}
	if cfg.APIKey != "" {
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	} else {
		if cfg.Project == "" {
			return nil, fmt.Errorf("gemini backend needs an API key or a project")
		}
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		cc.Backend = genai.BackendVertexAI
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &GeminiStreamer{
		client: client,
		logger: cfg.Logger.With("component", "upstream", "backend", BackendGemini),
	}, nil
}

// StreamQuery implements Streamer. The SDK only reports failures while
// iterating, so every error arrives as an Err fragment.
func (g *GeminiStreamer) StreamQuery(ctx context.Context, r Request) (<-chan Fragment, error) {
	if r.EngineID == "" {
		return nil, fmt.Errorf("gemini agent has no model configured")
	}

	contents := []*genai.Content{
		genai.NewContentFromText(r.Message, genai.RoleUser),
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)

		for resp, err := range g.client.Models.GenerateContentStream(ctx, r.EngineID, contents, nil) {
			if err != nil {
				if ctx.Err() == nil {
					g.logger.Warn("gemini stream failed", "model", r.EngineID, "error", err)
					send(ctx, out, Fragment{Err: upstreamError("the model failed to respond", err)})
				}
				return
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part == nil || part.Thought || part.Text == "" {
						continue
					}
					if !send(ctx, out, Fragment{Text: part.Text}) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

var _ Streamer = (*GeminiStreamer)(nil)
