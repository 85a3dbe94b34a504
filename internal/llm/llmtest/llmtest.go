// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"driftline/internal/llm"
)

type script struct {
	match   string
	replies []llm.Response
	err     error
}

// Scripted answers each request from the first script whose match string
// appears in the system message. A script replays its replies in order and
// then keeps repeating the last one.
type Scripted struct {
	mu      sync.Mutex
	scripts []*script
	calls   []llm.Request
}

func New() *Scripted {
	return &Scripted{}
}

// On adds replies for requests whose system message contains match.
func (s *Scripted) On(match string, replies ...llm.Response) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, &script{match: match, replies: replies})
	return s
}

// Fail makes requests matching match return err.
func (s *Scripted) Fail(match string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, &script{match: match, err: err})
	return s
}

func (s *Scripted) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	system := ""
	if len(req.Messages) > 0 && req.Messages[0].Role == llm.RoleSystem {
		system = req.Messages[0].Content
	}
	for _, sc := range s.scripts {
		if !strings.Contains(system, sc.match) {
			continue
		}
		if sc.err != nil {
			return llm.Response{}, sc.err
		}
		if len(sc.replies) == 0 {
			break
		}
		resp := sc.replies[0]
		if len(sc.replies) > 1 {
			sc.replies = sc.replies[1:]
		}
		return resp, nil
	}
	return llm.Response{}, fmt.Errorf("llmtest: no script for system prompt %q", truncate(system, 60))
}

// Calls returns every request seen so far.
func (s *Scripted) Calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.calls...)
}

// CallsMatching counts requests whose system message contains match.
func (s *Scripted) CallsMatching(match string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.calls {
		if len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, match) {
			n++
		}
	}
	return n
}

// Text is a final assistant reply.
func Text(content string) llm.Response {
	return llm.Response{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		FinishReason: "stop",
		Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}
}

// ToolCall is an assistant reply that calls one tool.
func ToolCall(id, name, arguments string) llm.Response {
	return llm.Response{
		Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{
				ID:       id,
				Type:     "function",
				Function: llm.FunctionCall{Name: name, Arguments: arguments},
			}},
		},
		FinishReason: "tool_calls",
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
