package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func fakeOpenAI(t *testing.T, status int, reply string, got *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if got != nil {
			if err := json.Unmarshal(body, got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestResponder(srv *httptest.Server) *Responder {
	return NewResponder(Config{
		APIKey:       "test-key",
		BaseURL:      srv.URL + "/",
		Model:        "gpt-4o-mini",
		SystemPrompt: "be brief",
	}, zap.NewNop(), option.WithMaxRetries(0))
}

func TestReplyBuildsConversation(t *testing.T) {
	var req chatRequest
	srv := fakeOpenAI(t, http.StatusOK, "  Olá! Como posso ajudar?  ", &req)
	r := newTestResponder(srv)

	reply, err := r.Reply(context.Background(), []Turn{
		{Text: "oi"},
		{FromMe: true, Text: "olá"},
		{Text: "   "},
		{Text: "preciso de ajuda"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Olá! Como posso ajudar?" {
		t.Errorf("reply = %q", reply)
	}

	if req.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", req.Model)
	}
	want := []struct{ role, content string }{
		{"system", "be brief"},
		{"user", "oi"},
		{"assistant", "olá"},
		{"user", "preciso de ajuda"},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("messages = %+v", req.Messages)
	}
	for i, w := range want {
		if req.Messages[i].Role != w.role || req.Messages[i].Content != w.content {
			t.Errorf("message %d = %+v, want %s %q", i, req.Messages[i], w.role, w.content)
		}
	}
}

func TestReplyProviderError(t *testing.T) {
	srv := fakeOpenAI(t, http.StatusInternalServerError, "", nil)
	r := newTestResponder(srv)
	if _, err := r.Reply(context.Background(), []Turn{{Text: "oi"}}); err == nil {
		t.Error("expected error")
	}
}

func TestReplyDisabled(t *testing.T) {
	r := NewResponder(Config{Model: "gpt-4o-mini"}, zap.NewNop())
	if r.Enabled() {
		t.Error("responder without key reports enabled")
	}
	if _, err := r.Reply(context.Background(), []Turn{{Text: "oi"}}); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v", err)
	}
}

func TestReplyEmptyHistory(t *testing.T) {
	srv := fakeOpenAI(t, http.StatusOK, "never", nil)
	reply, err := newTestResponder(srv).Reply(context.Background(), nil)
	if err != nil || reply != "" {
		t.Errorf("reply = %q, %v", reply, err)
	}
}
