package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type staticCreds struct{ key string }

func (c staticCreds) APIKey(string) (Secret, error) {
	if c.key == "" {
		return Secret{}, ErrMissingAPIKey
	}
	s := Secret{Value: c.key}
	if IsOAuthToken(c.key) {
		s.OAuth = true
	}
	return s, nil
}

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
		}
	}))
}

func TestAnthropicStreamTextAndUsage(t *testing.T) {
	ts := sseServer(t, []string{
		"event: message_start",
		`data: {"message":{"usage":{"input_tokens":12}}}`,
		"",
		"event: content_block_delta",
		`data: {"index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		"",
		"event: content_block_delta",
		`data: {"index":0,"delta":{"type":"text_delta","text":" world"}}`,
		"",
		"event: message_delta",
		`data: {"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		"",
		"event: message_stop",
		`data: {}`,
	})
	defer ts.Close()

	c := NewAnthropicClient(staticCreds{key: "sk-test"}, WithAnthropicBaseURL(ts.URL))
	var chunks []string
	resp, err := c.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(ch StreamChunk) {
		if ch.Content != "" {
			chunks = append(chunks, ch.Content)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(chunks) != 2 || chunks[0] != "Hello" {
		t.Errorf("chunks = %v", chunks)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 5 || resp.Usage.TotalTokens != 17 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
}

func TestAnthropicStreamToolUse(t *testing.T) {
	ts := sseServer(t, []string{
		"event: content_block_start",
		`data: {"index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"read_file"}}`,
		"",
		"event: content_block_delta",
		`data: {"index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		"",
		"event: content_block_delta",
		`data: {"index":0,"delta":{"type":"input_json_delta","partial_json":"\"a.txt\"}"}}`,
		"",
		"event: message_delta",
		`data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`,
	})
	defer ts.Close()

	c := NewAnthropicClient(staticCreds{key: "sk-test"}, WithAnthropicBaseURL(ts.URL))
	resp, err := c.ChatStream(context.Background(), ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "read_file" {
		t.Errorf("call = %+v", tc)
	}
	if tc.Arguments["path"] != "a.txt" {
		t.Errorf("arguments = %v", tc.Arguments)
	}
}

func TestAnthropicStreamBadToolJSONLeavesEmptyMap(t *testing.T) {
	ts := sseServer(t, []string{
		"event: content_block_start",
		`data: {"index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"exec"}}`,
		"",
		"event: content_block_delta",
		`data: {"index":0,"delta":{"type":"input_json_delta","partial_json":"{not json"}}`,
	})
	defer ts.Close()

	c := NewAnthropicClient(staticCreds{key: "sk-test"}, WithAnthropicBaseURL(ts.URL))
	resp, err := c.ChatStream(context.Background(), ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	if args := resp.ToolCalls[0].Arguments; args == nil || len(args) != 0 {
		t.Errorf("arguments = %v, want empty map", args)
	}
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	ts := sseServer(t, []string{
		"event: content_block_delta",
		`data: {"index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		"",
		"event: error",
		`data: {"error":{"type":"overloaded_error","message":"try later"}}`,
	})
	defer ts.Close()

	c := NewAnthropicClient(staticCreds{key: "sk-test"}, WithAnthropicBaseURL(ts.URL))
	_, err := c.ChatStream(context.Background(), ChatRequest{}, nil)
	if err == nil {
		t.Fatal("expected stream error")
	}
}

func TestNonRetryableHTTPErrorSurfacesImmediately(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	c := NewAnthropicClient(staticCreds{key: "sk-test"}, WithAnthropicBaseURL(ts.URL))
	_, err := c.ChatStream(context.Background(), ChatRequest{}, nil)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want no retries", hits.Load())
	}
}

func TestRetryOn429ThenSuccess(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		fmt.Fprintln(w, "event: content_block_delta")
		fmt.Fprintln(w, `data: {"index":0,"delta":{"type":"text_delta","text":"ok"}}`)
	}))
	defer ts.Close()

	c := NewAnthropicClient(staticCreds{key: "sk-test"}, WithAnthropicBaseURL(ts.URL))
	c.retryConfig = RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	resp, err := c.ChatStream(context.Background(), ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestOpenAIStreamToolCallFragments(t *testing.T) {
	ts := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"thinking"}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"exec","arguments":"{\"comm"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"and\":\"ls\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":7,"completion_tokens":9,"total_tokens":16}}`,
		`data: [DONE]`,
	})
	defer ts.Close()

	c := NewOpenAIClient(staticCreds{key: "sk-test"}, WithOpenAIBaseURL(ts.URL))
	resp, err := c.ChatStream(context.Background(), ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "thinking" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "exec" || tc.Arguments["command"] != "ls" {
		t.Errorf("call = %+v", tc)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestMissingAPIKey(t *testing.T) {
	c := NewAnthropicClient(staticCreds{})
	c.retryConfig = RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	_, err := c.ChatStream(context.Background(), ChatRequest{}, nil)
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestOAuthTokenDetection(t *testing.T) {
	tests := []struct {
		value string
		oauth bool
	}{
		{"sk-ant-oat01-abcdef", true},
		{"ya29.a0AfH6SMB", true},
		{"sk-ant-api03-key", false},
		{"sk-plain", false},
	}
	for _, tt := range tests {
		if got := IsOAuthToken(tt.value); got != tt.oauth {
			t.Errorf("IsOAuthToken(%q) = %t", tt.value, got)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("30"); got != 30*time.Second {
		t.Errorf("got %v", got)
	}
	for _, bad := range []string{"", "soon", "-5"} {
		if got := ParseRetryAfter(bad); got != 0 {
			t.Errorf("ParseRetryAfter(%q) = %v", bad, got)
		}
	}
}

func TestEnvCredentialsFallback(t *testing.T) {
	t.Setenv("SEACLAW_ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-vendor-env")

	creds := NewEnvCredentials()
	secret, err := creds.APIKey("anthropic")
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if secret.Value != "sk-from-vendor-env" {
		t.Errorf("value = %q", secret.Value)
	}

	creds.SetOverride("anthropic", "sk-override")
	secret, _ = creds.APIKey("anthropic")
	if secret.Value != "sk-override" {
		t.Errorf("override ignored, value = %q", secret.Value)
	}
}
