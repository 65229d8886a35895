package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jholhewres/conversa/pkg/conversa/config"
	"github.com/jholhewres/conversa/pkg/conversa/state"
)

func TestCompleteBuildsChatRequest(t *testing.T) {
	t.Parallel()

	var got chatRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hi there"}},
			},
		})
	}))
	defer srv.Close()

	o := NewOpenAI(config.APIConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-test"})
	history := []state.Message{
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "reply"},
		{Role: "system", Content: "must be dropped"},
	}

	reply, err := o.Complete(context.Background(), "persona", history, "nudge the user")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hi there" {
		t.Errorf("reply = %q", reply)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q", gotAuth)
	}
	if got.Model != "gpt-test" {
		t.Errorf("model = %q", got.Model)
	}

	// system + 2 history (system role filtered out) + final prompt.
	if len(got.Messages) != 4 {
		t.Fatalf("messages = %d, want 4: %+v", len(got.Messages), got.Messages)
	}
	if got.Messages[0].Role != "system" || got.Messages[0].Content != "persona" {
		t.Errorf("first message = %+v", got.Messages[0])
	}
	if last := got.Messages[3]; last.Role != "user" || last.Content != "nudge the user" {
		t.Errorf("last message = %+v", last)
	}
}

func TestCompleteErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	o := NewOpenAI(config.APIConfig{BaseURL: srv.URL, Model: "gpt-test"})
	if _, err := o.Complete(context.Background(), "", nil, "x"); err == nil {
		t.Error("expected error on 429")
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(config.APIConfig{BaseURL: srv.URL, Model: "gpt-test"})
	if _, err := o.Complete(context.Background(), "", nil, "x"); err == nil {
		t.Error("expected error on empty choices")
	}
}
