// Package providers registers the backend connectors the proxy can route to.
// Import this package with a blank identifier to activate all providers:
//
//	import _ "github.com/ravi-parthasarathy/loopguard/pkg/llm/providers"
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/ravi-parthasarathy/loopguard/pkg/llm"
)

func init() {
	llm.RegisterProvider("anthropic", func(modelName string, cfg llm.ProviderConfig) (llm.Client, error) {
		return newAnthropicClient(modelName, cfg), nil
	})
}

type anthropicClient struct {
	sdk       anthropicsdk.Client
	modelName string
}

// newAnthropicClient builds a client. An empty API key leaves the SDK to read
// ANTHROPIC_API_KEY.
func newAnthropicClient(modelName string, cfg llm.ProviderConfig) *anthropicClient {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicClient{sdk: anthropicsdk.NewClient(opts...), modelName: modelName}
}

// Complete performs a blocking generation with automatic retry on transient errors.
func (a *anthropicClient) Complete(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	params := a.buildParams(req)
	var resp llm.GenerateResponse
	err := llm.WithRetry(ctx, 4, func() error {
		msg, err := a.sdk.Messages.New(ctx, params)
		if err != nil {
			return mapAnthropicError(err)
		}
		resp = convertAnthropicMessage(msg)
		return nil
	})
	return resp, err
}

// Stream forwards text deltas as they arrive. Tool calls are emitted once the
// message is complete, followed by the accumulated response.
func (a *anthropicClient) Stream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	stream := a.sdk.Messages.NewStreaming(ctx, a.buildParams(req))
	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		var msg anthropicsdk.Message
		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				emit(ctx, ch, llm.ErrorEvent(fmt.Errorf("anthropic: accumulate stream: %w", err)))
				return
			}
			delta, ok := event.AsAny().(anthropicsdk.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			if text, ok := delta.Delta.AsAny().(anthropicsdk.TextDelta); ok && text.Text != "" {
				if !emit(ctx, ch, llm.DeltaEvent(text.Text)) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, ch, llm.ErrorEvent(mapAnthropicError(err)))
			return
		}
		emitFinal(ctx, ch, convertAnthropicMessage(&msg))
	}()
	return ch, nil
}

func (a *anthropicClient) buildParams(req llm.GenerateRequest) anthropicsdk.MessageNewParams {
	msgs := make([]anthropicsdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks := anthropicBlocks(m.Content)
		switch m.Role {
		case llm.RoleUser:
			msgs = append(msgs, anthropicsdk.NewUserMessage(blocks...))
		case llm.RoleAssistant:
			msgs = append(msgs, anthropicsdk.NewAssistantMessage(blocks...))
		}
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.modelName),
		MaxTokens: int64(maxTokens(req)),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	for _, t := range req.Tools {
		tp := anthropicsdk.ToolParam{
			Name:        t.Name,
			InputSchema: anthropicInputSchema(t.InputSchema),
			Description: param.NewOpt(t.Description),
		}
		params.Tools = append(params.Tools, anthropicsdk.ToolUnionParam{OfTool: &tp})
	}
	return params
}

func anthropicBlocks(content []llm.ContentBlock) []anthropicsdk.ContentBlockParamUnion {
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(content))
	for _, b := range content {
		switch {
		case b.Type == llm.ContentTypeText:
			blocks = append(blocks, anthropicsdk.NewTextBlock(b.Text))
		case b.Type == llm.ContentTypeToolResult && b.ToolResult != nil:
			blocks = append(blocks, anthropicsdk.NewToolResultBlock(b.ToolResult.ToolUseID, b.ToolResult.Content, b.ToolResult.IsError))
		case b.Type == llm.ContentTypeToolUse && b.ToolUse != nil:
			var input any
			_ = json.Unmarshal(b.ToolUse.Input, &input)
			blocks = append(blocks, anthropicsdk.NewToolUseBlock(b.ToolUse.ID, input, b.ToolUse.Name))
		}
	}
	return blocks
}

// anthropicInputSchema keeps the properties and required list of a JSON
// Schema; the SDK fills in the object type.
func anthropicInputSchema(raw []byte) anthropicsdk.ToolInputSchemaParam {
	var schema anthropicsdk.ToolInputSchemaParam
	var doc struct {
		Properties any      `json:"properties"`
		Required   []string `json:"required"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &doc) != nil {
		return schema
	}
	schema.Properties = doc.Properties
	schema.Required = doc.Required
	return schema
}

func convertAnthropicMessage(msg *anthropicsdk.Message) llm.GenerateResponse {
	resp := llm.GenerateResponse{
		Content:    make([]llm.ContentBlock, 0, len(msg.Content)),
		StopReason: llm.StopReasonEndTurn,
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			resp.Content = append(resp.Content, llm.ContentBlock{Type: llm.ContentTypeText, Text: b.Text})
		case "tool_use":
			input, _ := json.Marshal(b.Input)
			if len(input) == 0 || string(input) == "null" {
				input = []byte("{}")
			}
			resp.Content = append(resp.Content, llm.ContentBlock{
				Type:    llm.ContentTypeToolUse,
				ToolUse: &llm.ToolUse{ID: b.ID, Name: b.Name, Input: input},
			})
		}
	}
	switch msg.StopReason {
	case anthropicsdk.StopReasonToolUse:
		resp.StopReason = llm.StopReasonToolUse
	case anthropicsdk.StopReasonMaxTokens:
		resp.StopReason = llm.StopReasonMaxTokens
	}
	return resp
}

func mapAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return llm.FromStatus(apiErr.StatusCode, apiErr.Error(), err)
	}
	return fmt.Errorf("anthropic: %w", err)
}
