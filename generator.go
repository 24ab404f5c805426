package gemledger

import (
	"bytes"
	"context"
	"encoding/json"
)

// Generator is the remote generation function a guarded spend pays for.
// The guard only cares whether it succeeded.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerationRequest) (GenerationResult, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error) {
	return f(ctx, req)
}

// GenerationRequest is the input to a generation function.
type GenerationRequest struct {
	UserID    string          `json:"user_id"`
	Feature   string          `json:"feature"`
	Input     json.RawMessage `json:"input,omitempty"`
	InputRefs []string        `json:"input_refs,omitempty"`
}

// GenerationResult is the opaque success payload of a generation function.
type GenerationResult struct {
	Result     json.RawMessage `json:"result,omitempty"`
	OutputRefs []string        `json:"output_refs,omitempty"`
}

// Empty reports whether the result carries no usable output.
func (r GenerationResult) Empty() bool {
	if len(r.OutputRefs) > 0 {
		return false
	}
	trimmed := bytes.TrimSpace(r.Result)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
