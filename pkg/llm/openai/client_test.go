package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/crowdwatch/pkg/llm"
)

func completionServer(t *testing.T, check func(body map[string]any)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected path '/v1/chat/completions', got %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or invalid auth header")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if check != nil {
			check(body)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "test response"},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIClient(t *testing.T) {
	server := completionServer(t, func(body map[string]any) {
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("expected model gpt-4o-mini, got %v", body["model"])
		}
		if body["max_completion_tokens"] != float64(256) {
			t.Errorf("expected max_completion_tokens 256, got %v", body["max_completion_tokens"])
		}
	})
	client := New(&llm.Config{BaseURL: server.URL + "/v1", APIKey: "test-key", Model: "gpt-4o-mini", MaxTokens: 256})

	resp, err := client.Complete(context.Background(), llm.Request{Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "test response" {
		t.Errorf("expected 'test response', got %s", resp.Text)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if client.Name() != "openai" {
		t.Errorf("unexpected name %q", client.Name())
	}
}

func TestOpenAIClientSendsImageAsDataURL(t *testing.T) {
	server := completionServer(t, func(body map[string]any) {
		raw, _ := json.Marshal(body["messages"])
		if !strings.Contains(string(raw), "data:image/jpeg;base64,") {
			t.Errorf("expected inline image in messages, got %s", raw)
		}
		if !strings.Contains(string(raw), "count people") {
			t.Errorf("expected prompt text in messages, got %s", raw)
		}
	})
	client := New(&llm.Config{BaseURL: server.URL + "/v1", APIKey: "test-key", Model: "gpt-4o-mini"})

	_, err := client.Complete(context.Background(), llm.Request{
		Prompt: "count people",
		Image:  &llm.Image{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpenAIClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL + "/v1", APIKey: "test-key", Model: "gpt-4o-mini"})
	if _, err := client.Complete(context.Background(), llm.Request{Prompt: "hi"}); err == nil {
		t.Fatal("expected error on 500")
	}
}
