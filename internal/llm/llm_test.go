package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"driftline/internal/config"
	"driftline/internal/llm"
)

func newClient(t *testing.T, h http.HandlerFunc) *llm.OpenAI {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return llm.NewOpenAI(config.LLMConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "gpt-test", MaxTokens: 500, Temperature: 0.2})
}

func TestChatToolCallRoundTrip(t *testing.T) {
	var got struct {
		Model    string        `json:"model"`
		Messages []llm.Message `json:"messages"`
		Tools    []struct {
			Type     string `json:"type"`
			Function struct {
				Name       string         `json:"name"`
				Parameters map[string]any `json:"parameters"`
			} `json:"function"`
		} `json:"tools"`
		MaxTokens      int               `json:"max_tokens"`
		ResponseFormat map[string]string `json:"response_format"`
	}
	var path, auth string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		path, auth = r.URL.Path, r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"finish_reason": "tool_calls",
				"message": map[string]any{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]any{{
						"id":       "call_2",
						"type":     "function",
						"function": map[string]string{"name": "search_content", "arguments": `{"query":"pricing"}`},
					}},
				},
			}},
			"usage": map[string]int{"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52},
		})
	})

	resp, err := c.Chat(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "system"},
			{Role: llm.RoleUser, Content: "brief me"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Type: "function", Function: llm.FunctionCall{Name: "read_content", Arguments: `{"id":"x"}`}}}},
			{Role: llm.RoleTool, ToolCallID: "call_1", Content: "item body"},
		},
		Tools: []llm.Tool{{Name: "search_content", Description: "search", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if path != "/v1/chat/completions" || auth != "Bearer sk-test" {
		t.Fatalf("path = %s auth = %s", path, auth)
	}
	if got.Model != "gpt-test" || got.MaxTokens != 500 || got.ResponseFormat != nil {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Tools) != 1 || got.Tools[0].Type != "function" || got.Tools[0].Function.Name != "search_content" || got.Tools[0].Function.Parameters["type"] != "object" {
		t.Fatalf("tools = %+v", got.Tools)
	}
	if len(got.Messages) != 4 || got.Messages[2].ToolCalls[0].Function.Name != "read_content" || got.Messages[3].ToolCallID != "call_1" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if resp.FinishReason != "tool_calls" || resp.Usage.TotalTokens != 52 {
		t.Fatalf("response = %+v", resp)
	}
	tc := resp.Message.ToolCalls
	if len(tc) != 1 || tc[0].ID != "call_2" || tc[0].Function.Name != "search_content" || tc[0].Function.Arguments != `{"query":"pricing"}` {
		t.Fatalf("tool calls = %+v", tc)
	}
}

func TestGenerateAsksForJSON(t *testing.T) {
	var format map[string]string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ResponseFormat map[string]string `json:"response_format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		format = body.ResponseFormat
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": `{"actions":[]}`}}},
		})
	})
	text, _, err := llm.Generate(context.Background(), c, "system", "user", true)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != `{"actions":[]}` || format["type"] != "json_object" {
		t.Fatalf("text = %q format = %v", text, format)
	}
}

func TestChatErrors(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "rate limit reached", "type": "requests"}})
	})
	_, err := c.Chat(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if err == nil || !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limit reached") {
		t.Fatalf("err = %v", err)
	}

	empty := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})
	if _, err := empty.Chat(context.Background(), llm.Request{}); err == nil {
		t.Fatalf("empty choices should fail")
	}

	c.APIKey = " "
	if _, err := c.Chat(context.Background(), llm.Request{}); !errors.Is(err, llm.ErrNoAPIKey) {
		t.Fatalf("missing key err = %v", err)
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{in: "plain", want: "plain"},
		{in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{in: "  ```\nbody\n```  ", want: "body"},
	}
	for _, tc := range cases {
		if got := llm.StripFences(tc.in); got != tc.want {
			t.Fatalf("StripFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
