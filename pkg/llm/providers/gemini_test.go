package providers

import (
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/ravi-parthasarathy/loopguard/pkg/llm"
)

func toolUseMessage(id, name, input string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{{
		Type:    llm.ContentTypeToolUse,
		ToolUse: &llm.ToolUse{ID: id, Name: name, Input: []byte(input)},
	}}}
}

func toolResultMessage(id, content string) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: []llm.ContentBlock{{
		Type:       llm.ContentTypeToolResult,
		ToolResult: &llm.ToolResult{ToolUseID: id, Content: content},
	}}}
}

func TestBuildContents_SplitsHistory(t *testing.T) {
	hist, last, err := buildContents([]llm.Message{
		llm.TextMessage(llm.RoleSystem, "ignored here"),
		llm.TextMessage(llm.RoleUser, "say hello"),
		llm.TextMessage(llm.RoleAssistant, "hello"),
		llm.TextMessage(llm.RoleUser, "again"),
	})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "user", hist[0].Role)
	assert.Equal(t, "model", hist[1].Role)
	require.NotNil(t, last)
	assert.Equal(t, []genai.Part{genai.Text("again")}, last.Parts)
}

func TestBuildContents_Empty(t *testing.T) {
	hist, last, err := buildContents(nil)
	require.NoError(t, err)
	assert.Nil(t, hist)
	assert.Nil(t, last)
}

func TestBuildContents_ToolRoundTrip(t *testing.T) {
	hist, last, err := buildContents([]llm.Message{
		llm.TextMessage(llm.RoleUser, "find main"),
		toolUseMessage("call-7", "grep", `{"pattern":"func main"}`),
		toolResultMessage("call-7", "main.go:3"),
		toolResultMessage("orphan", "no matching call"),
	})
	require.NoError(t, err)
	require.Len(t, hist, 3)

	call, ok := hist[1].Parts[0].(genai.FunctionCall)
	require.True(t, ok, "part is %T", hist[1].Parts[0])
	assert.Equal(t, "grep", call.Name)
	assert.Equal(t, "func main", call.Args["pattern"])

	resp, ok := hist[2].Parts[0].(genai.FunctionResponse)
	require.True(t, ok, "part is %T", hist[2].Parts[0])
	assert.Equal(t, "grep", resp.Name)
	assert.Equal(t, "main.go:3", resp.Response["result"])

	// Unknown call IDs fall back to the ID itself.
	orphan := last.Parts[0].(genai.FunctionResponse)
	assert.Equal(t, "orphan", orphan.Name)
}

func TestBuildContents_BadToolInput(t *testing.T) {
	_, _, err := buildContents([]llm.Message{
		llm.TextMessage(llm.RoleUser, "x"),
		toolUseMessage("c1", "run", `{not json`),
		llm.TextMessage(llm.RoleUser, "y"),
	})
	assert.ErrorContains(t, err, `tool_use "run"`)
}

func TestJsonSchemaToGenai(t *testing.T) {
	schema, err := jsonSchemaToGenai([]byte(`{
		"type": "object",
		"description": "edit request",
		"properties": {
			"path":  {"type": "string", "description": "target file"},
			"lines": {"type": "array", "items": {"type": "integer"}},
			"mode":  {"type": "string", "enum": ["append", "replace"]},
			"force": {"type": "boolean"},
			"ratio": {"type": "number"}
		},
		"required": ["path", 7]
	}`))
	require.NoError(t, err)

	assert.Equal(t, genai.TypeObject, schema.Type)
	assert.Equal(t, "edit request", schema.Description)
	assert.Equal(t, []string{"path"}, schema.Required)
	require.Len(t, schema.Properties, 5)
	assert.Equal(t, "target file", schema.Properties["path"].Description)
	assert.Equal(t, genai.TypeInteger, schema.Properties["lines"].Items.Type)
	assert.Equal(t, []string{"append", "replace"}, schema.Properties["mode"].Enum)
	assert.Equal(t, genai.TypeBoolean, schema.Properties["force"].Type)
	assert.Equal(t, genai.TypeNumber, schema.Properties["ratio"].Type)

	_, err = jsonSchemaToGenai([]byte(`[`))
	assert.Error(t, err)
}

func TestBuildGeminiTools_SkipsBadSchema(t *testing.T) {
	tools := buildGeminiTools([]llm.ToolDefinition{
		{Name: "read_file", Description: "Read a file", InputSchema: []byte(`{"type":"object"}`)},
		{Name: "broken", InputSchema: []byte(`{`)},
	})
	require.Len(t, tools, 1)
	decls := tools[0].FunctionDeclarations
	require.Len(t, decls, 2)
	assert.NotNil(t, decls[0].Parameters)
	assert.Nil(t, decls[1].Parameters)
}

func TestConvertGeminiResponse(t *testing.T) {
	candidate := func(reason genai.FinishReason, parts ...genai.Part) *genai.GenerateContentResponse {
		return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: "model", Parts: parts},
			FinishReason: reason,
		}}}
	}
	tests := []struct {
		name     string
		resp     *genai.GenerateContentResponse
		wantStop llm.StopReason
		wantText string
		wantTool string
	}{
		{"text", candidate(genai.FinishReasonStop, genai.Text("hello")), llm.StopReasonEndTurn, "hello", ""},
		{"function call", candidate(genai.FinishReasonStop, genai.FunctionCall{Name: "ls", Args: map[string]any{"dir": "."}}), llm.StopReasonToolUse, "", "ls"},
		{"max tokens", candidate(genai.FinishReasonMaxTokens, genai.Text("cut")), llm.StopReasonMaxTokens, "cut", ""},
		{"no candidates", &genai.GenerateContentResponse{}, llm.StopReasonEndTurn, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertGeminiResponse(tt.resp)
			assert.Equal(t, tt.wantStop, got.StopReason)
			assert.Equal(t, tt.wantText, got.Text())
			uses := got.ToolUses()
			if tt.wantTool == "" {
				assert.Empty(t, uses)
				return
			}
			require.Len(t, uses, 1)
			assert.Equal(t, tt.wantTool, uses[0].Name)
			assert.Equal(t, tt.wantTool, uses[0].ID)
			assert.JSONEq(t, `{"dir":"."}`, string(uses[0].Input))
		})
	}
}

func TestConvertGeminiResponse_Usage(t *testing.T) {
	got := convertGeminiResponse(&genai.GenerateContentResponse{
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 12, CandidatesTokenCount: 3},
	})
	assert.Equal(t, llm.Usage{InputTokens: 12, OutputTokens: 3}, got.Usage)
}

func TestMapGeminiError(t *testing.T) {
	tests := []struct {
		code  int
		check func(error) bool
	}{
		{429, func(err error) bool { var e *llm.RateLimitError; return errors.As(err, &e) }},
		{401, func(err error) bool { var e *llm.AuthError; return errors.As(err, &e) }},
		{403, func(err error) bool { var e *llm.AuthError; return errors.As(err, &e) }},
		{503, func(err error) bool { var e *llm.ServerError; return errors.As(err, &e) }},
	}
	for _, tt := range tests {
		err := mapGeminiError(&googleapi.Error{Code: tt.code, Message: "upstream"})
		assert.True(t, tt.check(err), "code %d mapped to %T", tt.code, err)
	}

	assert.NoError(t, mapGeminiError(nil))
	assert.ErrorContains(t, mapGeminiError(errors.New("dial tcp")), "gemini: dial tcp")
}
