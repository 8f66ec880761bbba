package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL
	return newOpenAIWithConfig(cfg, "")
}

func TestOpenAICompleteJSONMode(t *testing.T) {
	var got openai.ChatCompletionRequest
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"topics\":[]}"},"finish_reason":"stop"}]}`)
	})

	text, err := o.Complete(context.Background(), Request{
		System:    "Extract insights.",
		Messages:  []Message{{Role: RoleUser, Content: "summary"}},
		MaxTokens: 500,
		JSON:      true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != `{"topics":[]}` {
		t.Fatalf("unexpected text %q", text)
	}
	if got.Model != DefaultOpenAIModel {
		t.Fatalf("expected default model, got %q", got.Model)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Fatalf("expected json_object response format, got %+v", got.ResponseFormat)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("expected system + user messages, got %+v", got.Messages)
	}
}

func TestOpenAICompleteStream(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Hi", " there"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var chunks []string
	text, err := o.CompleteStream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}}, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	if text != "Hi there" || len(chunks) != 2 {
		t.Fatalf("unexpected stream result %q %v", text, chunks)
	}
}

func TestOpenAIUpstreamError(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
	})

	if _, err := o.Complete(context.Background(), Request{}); err == nil {
		t.Fatal("expected error on 500")
	}
}
