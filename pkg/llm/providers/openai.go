package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ravi-parthasarathy/loopguard/pkg/llm"
)

func init() {
	llm.RegisterProvider("openai", func(modelName string, cfg llm.ProviderConfig) (llm.Client, error) {
		return newOpenAIClient(modelName, cfg)
	})
}

type openaiClient struct {
	sdk       *openai.Client
	modelName string
}

func newOpenAIClient(modelName string, cfg llm.ProviderConfig) (*openaiClient, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("openai: no api_key configured and OPENAI_API_KEY not set")
	}
	sdkCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		sdkCfg.BaseURL = cfg.BaseURL
	}
	return &openaiClient{sdk: openai.NewClientWithConfig(sdkCfg), modelName: modelName}, nil
}

// Complete performs a blocking generation with automatic retry on transient errors.
func (c *openaiClient) Complete(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	params := c.buildRequest(req)
	var resp llm.GenerateResponse
	err := llm.WithRetry(ctx, 4, func() error {
		r, err := c.sdk.CreateChatCompletion(ctx, params)
		if err != nil {
			return mapOpenAIError(err)
		}
		resp = convertOpenAIResponse(r)
		return nil
	})
	return resp, err
}

// Stream forwards content deltas as they arrive and assembles tool-call
// fragments into complete calls, emitted before the final response.
func (c *openaiClient) Stream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	params := c.buildRequest(req)
	params.Stream = true
	params.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	var stream *openai.ChatCompletionStream
	err := llm.WithRetry(ctx, 4, func() error {
		s, err := c.sdk.CreateChatCompletionStream(ctx, params)
		if err != nil {
			return mapOpenAIError(err)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		var acc openaiStreamAccumulator
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				emit(ctx, ch, llm.ErrorEvent(mapOpenAIError(err)))
				return
			}
			if text := acc.add(chunk); text != "" {
				if !emit(ctx, ch, llm.DeltaEvent(text)) {
					return
				}
			}
		}
		emitFinal(ctx, ch, acc.response())
	}()
	return ch, nil
}

func (c *openaiClient) buildRequest(req llm.GenerateRequest) openai.ChatCompletionRequest {
	params := openai.ChatCompletionRequest{
		Model:     c.modelName,
		MaxTokens: maxTokens(req),
		Messages:  buildMessages(req.Messages, req.System),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

// openaiStreamAccumulator rebuilds a chat completion from stream chunks.
// Tool-call fragments are merged by their index.
type openaiStreamAccumulator struct {
	text   strings.Builder
	calls  []openai.ToolCall
	finish openai.FinishReason
	usage  openai.Usage
}

// add merges one chunk and returns its content delta.
func (a *openaiStreamAccumulator) add(chunk openai.ChatCompletionStreamResponse) string {
	if chunk.Usage != nil {
		a.usage = *chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return ""
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		a.finish = choice.FinishReason
	}
	for _, frag := range choice.Delta.ToolCalls {
		idx := len(a.calls) - 1
		switch {
		case frag.Index != nil:
			idx = *frag.Index
		case frag.ID != "" || idx < 0:
			idx = len(a.calls)
		}
		for len(a.calls) <= idx {
			a.calls = append(a.calls, openai.ToolCall{Type: openai.ToolTypeFunction})
		}
		call := &a.calls[idx]
		if frag.ID != "" {
			call.ID = frag.ID
		}
		call.Function.Name += frag.Function.Name
		call.Function.Arguments += frag.Function.Arguments
	}
	a.text.WriteString(choice.Delta.Content)
	return choice.Delta.Content
}

func (a *openaiStreamAccumulator) response() llm.GenerateResponse {
	return convertOpenAIResponse(openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   a.text.String(),
				ToolCalls: a.calls,
			},
			FinishReason: a.finish,
		}},
		Usage: a.usage,
	})
}

// buildMessages converts unified messages to OpenAI's chat format. A user
// message holds either text or tool results; each tool result becomes its
// own "tool" message.
func buildMessages(msgs []llm.Message, system string) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch {
		case m.Role == llm.RoleUser && hasToolResults(m.Content):
			for _, b := range m.Content {
				if b.Type == llm.ContentTypeToolResult && b.ToolResult != nil {
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    b.ToolResult.Content,
						ToolCallID: b.ToolResult.ToolUseID,
					})
				}
			}
		case m.Role == llm.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: concatText(m.Content)})
		case m.Role == llm.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: concatText(m.Content)}
			for _, b := range m.Content {
				if b.Type != llm.ContentTypeToolUse || b.ToolUse == nil {
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   b.ToolUse.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.ToolUse.Name,
						Arguments: string(b.ToolUse.Input),
					},
				})
			}
			out = append(out, msg)
		}
	}
	return out
}

func buildTools(defs []llm.ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		fn := &openai.FunctionDefinition{Name: d.Name, Description: d.Description}
		if len(d.InputSchema) > 0 {
			fn.Parameters = json.RawMessage(d.InputSchema)
		}
		tools = append(tools, openai.Tool{Type: openai.ToolTypeFunction, Function: fn})
	}
	return tools
}

func convertOpenAIResponse(resp openai.ChatCompletionResponse) llm.GenerateResponse {
	out := llm.GenerateResponse{
		StopReason: llm.StopReasonEndTurn,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		out.Content = append(out.Content, llm.ContentBlock{Type: llm.ContentTypeText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Content = append(out.Content, llm.ContentBlock{
			Type:    llm.ContentTypeToolUse,
			ToolUse: &llm.ToolUse{ID: tc.ID, Name: tc.Function.Name, Input: []byte(tc.Function.Arguments)},
		})
	}
	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		out.StopReason = llm.StopReasonToolUse
	case openai.FinishReasonLength:
		out.StopReason = llm.StopReasonMaxTokens
	}
	return out
}

func mapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return llm.FromStatus(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return llm.FromStatus(reqErr.HTTPStatusCode, "request failed", err)
	}
	return fmt.Errorf("openai: %w", err)
}
