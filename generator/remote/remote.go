// Package remote calls a generation function over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/gemledger"
)

// Generator POSTs generation requests to a function URL. The function
// answers {result, output_refs} on success and {error} on failure.
type Generator struct {
	url        string
	httpClient *http.Client
	apiKey     string
}

var _ gemledger.Generator = (*Generator)(nil)

// Option configures the generator.
type Option func(*Generator)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Generator) { g.httpClient = c }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(g *Generator) { g.apiKey = key }
}

// New creates a generator for the function at url.
func New(url string, opts ...Option) *Generator {
	g := &Generator{
		url:        strings.TrimRight(url, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// apiRequest is the function request format.
type apiRequest struct {
	UserID    string          `json:"user_id,omitempty"`
	Feature   string          `json:"feature"`
	Input     json.RawMessage `json:"input,omitempty"`
	InputRefs []string        `json:"input_refs,omitempty"`
}

// apiResponse is the function response format.
type apiResponse struct {
	Result     json.RawMessage `json:"result"`
	OutputRefs []string        `json:"output_refs"`
	Error      string          `json:"error"`
}

// Generate implements gemledger.Generator.
func (g *Generator) Generate(ctx context.Context, req gemledger.GenerationRequest) (gemledger.GenerationResult, error) {
	jsonBody, err := json.Marshal(apiRequest{
		UserID:    req.UserID,
		Feature:   req.Feature,
		Input:     req.Input,
		InputRefs: req.InputRefs,
	})
	if err != nil {
		return gemledger.GenerationResult{}, fmt.Errorf("remote: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(jsonBody))
	if err != nil {
		return gemledger.GenerationResult{}, fmt.Errorf("remote: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return gemledger.GenerationResult{}, fmt.Errorf("%w: %w", gemledger.ErrGenerationFailed, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return gemledger.GenerationResult{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return gemledger.GenerationResult{}, fmt.Errorf("%w: decode response: %w", gemledger.ErrGenerationFailed, err)
	}
	if resp.Error != "" {
		return gemledger.GenerationResult{}, fmt.Errorf("%w: %s", gemledger.ErrGenerationFailed, resp.Error)
	}

	res := gemledger.GenerationResult{Result: resp.Result, OutputRefs: resp.OutputRefs}
	if res.Empty() {
		return gemledger.GenerationResult{}, gemledger.ErrEmptyResult
	}
	return res, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	var eb apiResponse
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		return fmt.Errorf("%w: status %d: %s", gemledger.ErrGenerationFailed, resp.StatusCode, eb.Error)
	}
	return fmt.Errorf("%w: status %d: %s", gemledger.ErrGenerationFailed, resp.StatusCode, strings.TrimSpace(string(body)))
}
