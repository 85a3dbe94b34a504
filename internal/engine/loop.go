package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"driftline/internal/llm"
	"driftline/internal/metrics"
	"driftline/internal/tools"
)

const finalInstruction = "Your tool budget is spent. Write the final deliverable now from what you have."

type generation struct {
	Draft   string
	ReadIDs []string
	Rounds  int
}

// generate runs the bounded tool loop: up to rounds model calls with tools,
// then, if the model is still calling tools, one last call with tools withheld.
func (e Engine) generate(ctx context.Context, ownerID, system, user string, rounds int) (generation, error) {
	if e.LLM == nil {
		return generation{}, errors.New("no model client configured")
	}
	session := e.Tools.Session(ownerID)
	defs := tools.Definitions()
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}, {Role: llm.RoleUser, Content: user}}

	var gen generation
	for gen.Rounds < rounds {
		if err := e.RenewOwner(ctx); err != nil {
			return gen, err
		}
		resp, err := e.chat(ctx, llm.Request{Messages: msgs, Tools: defs})
		gen.Rounds++
		if err != nil {
			return gen, err
		}
		if len(resp.Message.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Message.Content) == "" {
				return gen, errors.New("model returned empty content")
			}
			gen.Draft = resp.Message.Content
			gen.ReadIDs = session.ReadIDs()
			return gen, nil
		}
		msgs = append(msgs, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			out, err := session.Call(ctx, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				out = "error: " + err.Error()
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: out})
		}
	}

	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: finalInstruction})
	if err := e.RenewOwner(ctx); err != nil {
		return gen, err
	}
	resp, err := e.chat(ctx, llm.Request{Messages: msgs})
	if err != nil {
		return gen, err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return gen, errors.New("model returned empty content")
	}
	gen.Draft = resp.Message.Content
	gen.ReadIDs = session.ReadIDs()
	return gen, nil
}

// chat makes one model call under the configured timeout.
func (e Engine) chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	if t := e.Config.Engine.LLMTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	resp, err := e.LLM.Chat(ctx, req)
	if err != nil {
		metrics.LLMCall(ctx, "engine", "error")
		if errors.Is(err, context.DeadlineExceeded) {
			return resp, fmt.Errorf("model call timed out: %w", err)
		}
		return resp, fmt.Errorf("model call: %w", err)
	}
	metrics.LLMCall(ctx, "engine", "ok")
	metrics.LLMTokens(ctx, "engine", resp.Usage.TotalTokens)
	return resp, nil
}

// finalize turns the raw draft into the delivered text. A draft wrapped whole
// in one code fence is unwrapped.
func finalize(draft string) string {
	d := strings.TrimSpace(draft)
	if strings.HasPrefix(d, "```") && strings.HasSuffix(d, "```") && strings.Count(d, "```") == 2 {
		return llm.StripFences(d)
	}
	return d
}
