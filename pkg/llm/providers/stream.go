package providers

import (
	"context"
	"strings"

	"github.com/ravi-parthasarathy/loopguard/pkg/llm"
)

const defaultMaxTokens = 4096

func maxTokens(req llm.GenerateRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

// emit sends ev unless ctx is done first.
func emit(ctx context.Context, ch chan<- llm.StreamEvent, ev llm.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitFinal sends one tool_use event per call in resp, then the complete event.
func emitFinal(ctx context.Context, ch chan<- llm.StreamEvent, resp llm.GenerateResponse) {
	for _, tu := range resp.ToolUses() {
		if !emit(ctx, ch, llm.StreamEvent{Type: llm.StreamEventToolUse, ToolUse: tu}) {
			return
		}
	}
	emit(ctx, ch, llm.StreamEvent{Type: llm.StreamEventComplete, Response: &resp})
}

func hasToolResults(blocks []llm.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == llm.ContentTypeToolResult {
			return true
		}
	}
	return false
}

func concatText(blocks []llm.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == llm.ContentTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
