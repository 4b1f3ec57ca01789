package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestStripReasoning(t *testing.T) {
	in := "<THINK>\nThe plan shows type=ALL.\nLet me think.\n</think>\n\n**Bottlenecks in query**\n- full scan"
	if got := StripReasoning(in); got != "**Bottlenecks in query**\n- full scan" {
		t.Fatalf("unexpected %q", got)
	}
	two := "a<think>x</think>b<think>y\nz</think>c"
	if got := StripReasoning(two); strings.Contains(got, "x") || strings.Contains(got, "z") {
		t.Fatalf("reasoning leaked: %q", got)
	}
	if got := StripReasoning("A<think>x</think>B"); got != "AB" {
		t.Fatalf("block must be removed without a separator, got %q", got)
	}
	if got := StripReasoning("no markers here"); got != "no markers here" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("SELECT * FROM t", `{"query_block":{}}`, "8.0.36")
	for _, want := range []string{
		"MySQL version: 8.0.36",
		"EXPLAIN FORMAT=JSON output:\n{\"query_block\":{}}",
		"Query:\nSELECT * FROM t",
		"Fixes (max 3 to 4 bullets)",
		"non-production environment",
		"No preamble",
	} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestSuggester_ErrorYieldsEmptyAndStillThrottles(t *testing.T) {
	var slept int
	s := &Suggester{
		LLM:   &mockCompleter{answer: func(string) (Completion, error) { return Completion{}, errors.New("model not found") }},
		Delay: time.Second,
		Log:   zap.NewNop(),
		Sleep: func(context.Context, time.Duration) { slept++ },
	}
	if got := s.Suggest(context.Background(), "SELECT 1", "{}", "8.0"); got != "" {
		t.Fatalf("expected empty suggestion, got %q", got)
	}
	if slept != 1 {
		t.Fatalf("expected throttle after failed call, got %d", slept)
	}
}

func TestOllamaClient_Complete(t *testing.T) {
	var gotReq ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"qwen3","message":{"role":"assistant","content":"<think>hmm</think>**Fixes**","thinking":"separate"},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(LLMConfig{BaseURL: srv.URL, Model: "qwen3", Timeout: 5 * time.Second})
	out, err := c.Complete(context.Background(), "prompt text")
	if err != nil {
		t.Fatal(err)
	}
	if gotReq.Model != "qwen3" || gotReq.Stream || len(gotReq.Messages) != 1 || gotReq.Messages[0].Content != "prompt text" {
		t.Fatalf("unexpected request %+v", gotReq)
	}
	if out.Content != "<think>hmm</think>**Fixes**" || out.Thinking != "separate" {
		t.Fatalf("unexpected completion %+v", out)
	}
	if StripReasoning(out.Content) != "**Fixes**" {
		t.Fatalf("reasoning not stripped")
	}
}

func TestOllamaClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"nope\" not found, try pulling it first"}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(LLMConfig{BaseURL: srv.URL, Model: "nope"})
	_, err := c.Complete(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "try pulling it first") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestOllamaClient_CheckModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/show" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "qwen3:8b" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"details":{"family":"qwen3"}}`))
	}))
	defer srv.Close()

	if err := NewOllamaClient(LLMConfig{BaseURL: srv.URL, Model: "qwen3:8b"}).CheckModel(context.Background()); err != nil {
		t.Fatalf("installed model rejected: %v", err)
	}
	err := NewOllamaClient(LLMConfig{BaseURL: srv.URL, Model: "nope"}).CheckModel(context.Background())
	if err == nil || !strings.Contains(err.Error(), `model "nope" not found`) {
		t.Fatalf("unexpected error %v", err)
	}
}
