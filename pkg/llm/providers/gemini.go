package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ravi-parthasarathy/loopguard/pkg/llm"
)

func init() {
	llm.RegisterProvider("gemini", func(modelName string, cfg llm.ProviderConfig) (llm.Client, error) {
		return newGeminiClient(modelName, cfg)
	})
}

type geminiClient struct {
	sdk       *genai.Client
	modelName string
}

func newGeminiClient(modelName string, cfg llm.ProviderConfig) (*geminiClient, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: no api_key configured and GEMINI_API_KEY not set")
	}
	opts := []option.ClientOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	// genai.NewClient requires a context; use Background for construction.
	sdk, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &geminiClient{sdk: sdk, modelName: modelName}, nil
}

// chat prepares a chat session holding the history and returns it with the
// final message to send.
func (c *geminiClient) chat(req llm.GenerateRequest) (*genai.ChatSession, *genai.Content, error) {
	model := c.sdk.GenerativeModel(c.modelName)
	n := int32(maxTokens(req))
	model.MaxOutputTokens = &n
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if len(req.Tools) > 0 {
		model.Tools = buildGeminiTools(req.Tools)
	}

	history, last, err := buildContents(req.Messages)
	if err != nil {
		return nil, nil, fmt.Errorf("gemini: build contents: %w", err)
	}
	if last == nil {
		return nil, nil, fmt.Errorf("gemini: no user message to send")
	}
	cs := model.StartChat()
	cs.History = history
	return cs, last, nil
}

// Complete performs a blocking generation with automatic retry on transient errors.
func (c *geminiClient) Complete(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	var resp llm.GenerateResponse
	err := llm.WithRetry(ctx, 4, func() error {
		cs, last, err := c.chat(req)
		if err != nil {
			return err
		}
		r, err := cs.SendMessage(ctx, last.Parts...)
		if err != nil {
			return mapGeminiError(err)
		}
		resp = convertGeminiResponse(r)
		return nil
	})
	return resp, err
}

// Stream forwards text parts as they arrive. Function calls are collected and
// emitted with the final response.
func (c *geminiClient) Stream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	cs, last, err := c.chat(req)
	if err != nil {
		return nil, err
	}
	it := cs.SendMessageStream(ctx, last.Parts...)

	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)
		var (
			text  strings.Builder
			calls []llm.ContentBlock
			final = llm.GenerateResponse{StopReason: llm.StopReasonEndTurn}
		)
		for {
			chunk, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				emit(ctx, ch, llm.ErrorEvent(mapGeminiError(err)))
				return
			}
			part := convertGeminiResponse(chunk)
			for _, b := range part.Content {
				switch b.Type {
				case llm.ContentTypeText:
					text.WriteString(b.Text)
					if !emit(ctx, ch, llm.DeltaEvent(b.Text)) {
						return
					}
				case llm.ContentTypeToolUse:
					calls = append(calls, b)
				}
			}
			if part.Usage != (llm.Usage{}) {
				final.Usage = part.Usage
			}
			if part.StopReason == llm.StopReasonMaxTokens {
				final.StopReason = llm.StopReasonMaxTokens
			}
		}

		if text.Len() > 0 {
			final.Content = append(final.Content, llm.ContentBlock{Type: llm.ContentTypeText, Text: text.String()})
		}
		if len(calls) > 0 {
			final.Content = append(final.Content, calls...)
			final.StopReason = llm.StopReasonToolUse
		}
		emitFinal(ctx, ch, final)
	}()
	return ch, nil
}

// buildContents translates unified messages into Gemini contents. The last
// content is returned separately for ChatSession.SendMessage; everything
// before it is history.
func buildContents(msgs []llm.Message) ([]*genai.Content, *genai.Content, error) {
	var contents []*genai.Content
	for _, m := range msgs {
		var (
			c   *genai.Content
			err error
		)
		switch {
		case m.Role == llm.RoleUser && hasToolResults(m.Content):
			c = toolResultContent(m, msgs)
		case m.Role == llm.RoleUser:
			c = &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(concatText(m.Content))}}
		case m.Role == llm.RoleAssistant:
			c, err = assistantContent(m)
		}
		if err != nil {
			return nil, nil, err
		}
		if c != nil {
			contents = append(contents, c)
		}
	}
	if len(contents) == 0 {
		return nil, nil, nil
	}
	return contents[:len(contents)-1], contents[len(contents)-1], nil
}

// toolResultContent builds FunctionResponse parts. Gemini keys responses by
// function name, so the name is looked up from the matching tool_use.
func toolResultContent(m llm.Message, all []llm.Message) *genai.Content {
	var parts []genai.Part
	for _, b := range m.Content {
		if b.Type != llm.ContentTypeToolResult || b.ToolResult == nil {
			continue
		}
		name, ok := resolveToolName(b.ToolResult.ToolUseID, all)
		if !ok {
			name = b.ToolResult.ToolUseID
		}
		parts = append(parts, genai.FunctionResponse{
			Name:     name,
			Response: map[string]any{"result": b.ToolResult.Content},
		})
	}
	if len(parts) == 0 {
		return nil
	}
	return &genai.Content{Role: "user", Parts: parts}
}

func assistantContent(m llm.Message) (*genai.Content, error) {
	var parts []genai.Part
	for _, b := range m.Content {
		switch {
		case b.Type == llm.ContentTypeText && b.Text != "":
			parts = append(parts, genai.Text(b.Text))
		case b.Type == llm.ContentTypeToolUse && b.ToolUse != nil:
			var args map[string]any
			if len(b.ToolUse.Input) > 0 {
				if err := json.Unmarshal(b.ToolUse.Input, &args); err != nil {
					return nil, fmt.Errorf("tool_use %q: unmarshal input: %w", b.ToolUse.Name, err)
				}
			}
			parts = append(parts, genai.FunctionCall{Name: b.ToolUse.Name, Args: args})
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return &genai.Content{Role: "model", Parts: parts}, nil
}

func resolveToolName(toolUseID string, msgs []llm.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		for _, b := range msgs[i].Content {
			if b.Type == llm.ContentTypeToolUse && b.ToolUse != nil && b.ToolUse.ID == toolUseID {
				return b.ToolUse.Name, true
			}
		}
	}
	return "", false
}

func buildGeminiTools(defs []llm.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		fd := &genai.FunctionDeclaration{Name: d.Name, Description: d.Description}
		if len(d.InputSchema) > 0 {
			if schema, err := jsonSchemaToGenai(d.InputSchema); err == nil {
				fd.Parameters = schema
			}
		}
		decls = append(decls, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// jsonSchemaToGenai converts the subset of JSON Schema that tool definitions
// use: object, string, integer, number, boolean and array.
func jsonSchemaToGenai(raw []byte) (*genai.Schema, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("jsonSchemaToGenai: %w", err)
	}
	return mapToGenaiSchema(m), nil
}

var genaiTypes = map[string]genai.Type{
	"object":  genai.TypeObject,
	"string":  genai.TypeString,
	"integer": genai.TypeInteger,
	"number":  genai.TypeNumber,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
}

func mapToGenaiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genaiTypes[t]
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for k, v := range props {
			if vm, ok := v.(map[string]any); ok {
				s.Properties[k] = mapToGenaiSchema(vm)
			}
		}
	}
	s.Required = stringList(m["required"])
	s.Enum = stringList(m["enum"])
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = mapToGenaiSchema(items)
	}
	return s
}

func stringList(v any) []string {
	list, _ := v.([]any)
	var out []string
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func convertGeminiResponse(resp *genai.GenerateContentResponse) llm.GenerateResponse {
	out := llm.GenerateResponse{StopReason: llm.StopReasonEndTurn}
	if resp.UsageMetadata != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]
	hasToolUse := false
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				if v != "" {
					out.Content = append(out.Content, llm.ContentBlock{Type: llm.ContentTypeText, Text: string(v)})
				}
			case genai.FunctionCall:
				input, _ := json.Marshal(v.Args)
				hasToolUse = true
				// Gemini has no call IDs; the function name stands in.
				out.Content = append(out.Content, llm.ContentBlock{
					Type:    llm.ContentTypeToolUse,
					ToolUse: &llm.ToolUse{ID: v.Name, Name: v.Name, Input: input},
				})
			}
		}
	}
	// Gemini reports FinishReasonStop even when it returns function calls.
	switch {
	case hasToolUse:
		out.StopReason = llm.StopReasonToolUse
	case cand.FinishReason == genai.FinishReasonMaxTokens:
		out.StopReason = llm.StopReasonMaxTokens
	}
	return out
}

func mapGeminiError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return llm.FromStatus(apiErr.Code, apiErr.Message, err)
	}
	return fmt.Errorf("gemini: %w", err)
}
