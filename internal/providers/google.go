package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	googleAPIBase      = "https://generativelanguage.googleapis.com/v1beta"
)

// GoogleClient implements Provider against the Gemini generateContent API.
type GoogleClient struct {
	creds        CredentialProvider
	baseURL      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

func NewGoogleClient(creds CredentialProvider, opts ...GoogleOption) *GoogleClient {
	c := &GoogleClient{
		creds:        creds,
		baseURL:      googleAPIBase,
		defaultModel: defaultGeminiModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type GoogleOption func(*GoogleClient)

func WithGoogleModel(model string) GoogleOption {
	return func(c *GoogleClient) {
		if model != "" {
			c.defaultModel = model
		}
	}
}

func WithGoogleBaseURL(baseURL string) GoogleOption {
	return func(c *GoogleClient) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (c *GoogleClient) Name() string         { return "google" }
func (c *GoogleClient) DefaultModel() string { return c.defaultModel }

func (c *GoogleClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return RetryDo(ctx, c.retryConfig, func() (*ChatResponse, error) {
		respBody, err := c.doRequest(ctx, req, false)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp googleResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("google: decode response: %w", err)
		}
		result := &ChatResponse{FinishReason: "stop"}
		c.mergeChunk(&resp, result, nil)
		return result, nil
	})
}

func (c *GoogleClient) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	respBody, err := RetryDo(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		return c.doRequest(ctx, req, true)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{FinishReason: "stop"}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var chunk googleResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		c.mergeChunk(&chunk, result, onChunk)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("google: stream read: %w", err)
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

// mergeChunk folds one generateContent response (full or streamed slice)
// into the aggregate.
func (c *GoogleClient) mergeChunk(chunk *googleResponse, result *ChatResponse, onChunk func(StreamChunk)) {
	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				result.Content += part.Text
				if onChunk != nil {
					onChunk(StreamChunk{Content: part.Text})
				}
			}
			if part.FunctionCall != nil {
				args := make(map[string]any)
				if len(part.FunctionCall.Args) > 0 {
					_ = json.Unmarshal(part.FunctionCall.Args, &args)
				}
				// Gemini does not assign call IDs; synthesize one so the
				// tool-result correlation invariant holds downstream.
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        "call_" + uuid.NewString()[:8],
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
		switch cand.FinishReason {
		case "MAX_TOKENS":
			result.FinishReason = "length"
		case "", "STOP", "FINISH_REASON_UNSPECIFIED":
			if len(result.ToolCalls) > 0 {
				result.FinishReason = "tool_calls"
			}
		}
	}
	if chunk.UsageMetadata != nil {
		result.Usage = &Usage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
		}
	}
}

func (c *GoogleClient) doRequest(ctx context.Context, req ChatRequest, stream bool) (io.ReadCloser, error) {
	secret, err := c.creds.APIKey("google")
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	body := c.buildRequestBody(req)
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	if stream {
		endpoint = fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("google: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if secret.OAuth {
		httpReq.Header.Set("Authorization", "Bearer "+secret.Value)
		for k, v := range secret.Headers {
			httpReq.Header.Set(k, v)
		}
	} else {
		httpReq.Header.Set("x-goog-api-key", secret.Value)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("google: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (c *GoogleClient) buildRequestBody(req ChatRequest) map[string]any {
	var contents []map[string]any
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": []map[string]any{{"text": msg.Content}},
			})
		case "assistant":
			var parts []map[string]any
			if msg.Content != "" {
				parts = append(parts, map[string]any{"text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": tc.Arguments,
					},
				})
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})
		case "tool":
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"name":     msg.ToolCallID,
						"response": map[string]any{"result": msg.Content},
					},
				}},
			})
		}
	}

	body := map[string]any{"contents": contents}

	if req.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}

	genConfig := map[string]any{}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		genConfig["temperature"] = req.Temperature
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	if len(req.Tools) > 0 {
		var decls []map[string]any
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  CleanSchemaForProvider("google", t.Parameters),
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	return body
}

// --- Google API types (internal) ---

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text,omitempty"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args,omitempty"`
				} `json:"functionCall,omitempty"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}
