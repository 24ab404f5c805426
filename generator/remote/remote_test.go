package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/gemledger"
	"github.com/ineyio/gemledger/generator/remote"
)

func newFunction(t *testing.T, handler http.HandlerFunc) *remote.Generator {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return remote.New(ts.URL, remote.WithAPIKey("k"))
}

func TestGenerateSuccess(t *testing.T) {
	var got map[string]any
	g := newFunction(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"result":{"url":"x"},"output_refs":["out/1.png"]}`))
	})

	res, err := g.Generate(context.Background(), gemledger.GenerationRequest{
		UserID:    "u1",
		Feature:   gemledger.FeatureFaceSwap,
		Input:     json.RawMessage(`{"prompt":"hi"}`),
		InputRefs: []string{"in/a.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"out/1.png"}, res.OutputRefs)
	assert.JSONEq(t, `{"url":"x"}`, string(res.Result))

	assert.Equal(t, gemledger.FeatureFaceSwap, got["feature"])
	assert.Equal(t, []any{"in/a.png"}, got["input_refs"])
}

func TestGenerateErrorBody(t *testing.T) {
	g := newFunction(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model overloaded"}`))
	})

	_, err := g.Generate(context.Background(), gemledger.GenerationRequest{Feature: "x"})
	assert.ErrorIs(t, err, gemledger.ErrGenerationFailed)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestGenerateHTTPError(t *testing.T) {
	g := newFunction(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`upstream down`))
	})

	_, err := g.Generate(context.Background(), gemledger.GenerationRequest{Feature: "x"})
	assert.ErrorIs(t, err, gemledger.ErrGenerationFailed)
	assert.Equal(t, gemledger.KindGenerationFailure, gemledger.KindOf(err))
}

func TestGenerateEmptyResult(t *testing.T) {
	g := newFunction(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":null}`))
	})

	_, err := g.Generate(context.Background(), gemledger.GenerationRequest{Feature: "x"})
	assert.ErrorIs(t, err, gemledger.ErrEmptyResult)
}

func TestGenerateUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := remote.New(url).Generate(context.Background(), gemledger.GenerationRequest{Feature: "x"})
	assert.ErrorIs(t, err, gemledger.ErrGenerationFailed)
}
