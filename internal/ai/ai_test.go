package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaServer(t *testing.T, handle func(req ollamaChatReq) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req ollamaChatReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, body := handle(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAssistant_GenerateResponse(t *testing.T) {
	var got ollamaChatReq
	srv := ollamaServer(t, func(req ollamaChatReq) (int, any) {
		got = req
		return http.StatusOK, ollamaChatResp{Message: ollamaMsg{Role: RoleAssistant, Content: "hello"}}
	})

	eng, err := DefaultRegistry().Engine(context.Background(), "Ollama", Settings{BaseURL: srv.URL, Model: "m1"})
	require.NoError(t, err)

	reply, err := eng.GenerateResponse(context.Background(), "hi", []Message{
		{Role: RoleUser, Content: "earlier"},
		{Role: RoleAssistant, Content: "answer"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)

	assert.Equal(t, "m1", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "earlier", got.Messages[1].Content)
	assert.Equal(t, ollamaMsg{Role: RoleUser, Content: "hi"}, got.Messages[3])
}

func TestAssistant_AnalyzeMedia(t *testing.T) {
	var got ollamaChatReq
	srv := ollamaServer(t, func(req ollamaChatReq) (int, any) {
		got = req
		return http.StatusOK, ollamaChatResp{Message: ollamaMsg{Content: "a cat"}}
	})

	eng := NewAssistant("ollama", NewOllamaProvider(srv.URL, "", "vision"))
	out, err := eng.AnalyzeMedia(context.Background(), []byte("frames"), "")
	require.NoError(t, err)
	assert.Equal(t, "a cat", out)

	assert.Equal(t, "vision", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, defaultMediaPrompt, got.Messages[0].Content)
	assert.Equal(t, []string{base64.StdEncoding.EncodeToString([]byte("frames"))}, got.Messages[0].Images)
}

func TestAssistant_ProviderFailure(t *testing.T) {
	srv := ollamaServer(t, func(ollamaChatReq) (int, any) {
		return http.StatusInternalServerError, map[string]string{"error": "model not loaded"}
	})

	eng := NewAssistant("ollama", NewOllamaProvider(srv.URL, "", ""))
	_, err := eng.GenerateResponse(context.Background(), "hi", nil)

	var gerr *GenerationError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "ollama", gerr.Provider)
	assert.Contains(t, gerr.Err.Error(), "status 500")
}

func TestAssistant_MediaUnsupported(t *testing.T) {
	eng := NewAssistant("openrouter", NewOpenRouterProvider("http://127.0.0.1:1", "key", ""))
	_, err := eng.AnalyzeMedia(context.Background(), []byte("x"), "what")
	assert.ErrorIs(t, err, ErrMediaUnsupported)
}

func TestOpenRouterProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`))
	}))
	t.Cleanup(srv.Close)

	p := NewOpenRouterProvider(srv.URL, "key", "")
	out, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "ping"}})
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"ollama", "openrouter"}, r.Names())

	_, err := r.Get(context.Background(), "nope", Settings{})
	assert.Error(t, err)

	_, err = r.Engine(context.Background(), "openrouter", Settings{})
	assert.Error(t, err, "api key is required")
}
