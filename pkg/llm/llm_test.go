package llm_test

import (
	"errors"
	"testing"

	"github.com/ravi-parthasarathy/loopguard/pkg/llm"
)

func TestParseModelID(t *testing.T) {
	tests := []struct {
		input        string
		wantProvider string
		wantModel    string
		wantErr      bool
	}{
		{"anthropic:claude-sonnet-4-6", "anthropic", "claude-sonnet-4-6", false},
		{"openai:gpt-4o", "openai", "gpt-4o", false},
		{"invalid", "", "", true},
		{":", "", "", true},
		{":model", "", "", true},
		{"provider:", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			prov, model, err := llm.ParseModelID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseModelID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if prov != tt.wantProvider {
				t.Errorf("provider = %q, want %q", prov, tt.wantProvider)
			}
			if model != tt.wantModel {
				t.Errorf("model = %q, want %q", model, tt.wantModel)
			}
		})
	}
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := llm.NewClient("unknown_provider:some-model", llm.ProviderConfig{})
	if err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
}

func TestRetryable(t *testing.T) {
	base := func(msg string) llm.LLMError { return llm.LLMError{Message: msg} }
	tests := []struct {
		err      error
		wantTrue bool
	}{
		{&llm.RateLimitError{LLMError: base("rate limit")}, true},
		{&llm.ServerError{LLMError: base("5xx")}, true},
		{&llm.AuthError{LLMError: base("auth")}, false},
		{&llm.ContextLengthError{LLMError: base("ctx")}, false},
		{&llm.ContentFilterError{LLMError: base("filter")}, false},
	}
	for _, tt := range tests {
		got := llm.Retryable(tt.err)
		if got != tt.wantTrue {
			t.Errorf("Retryable(%T) = %v, want %v", tt.err, got, tt.wantTrue)
		}
	}
}

func TestFromStatus(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		code      int
		retryable bool
		check     func(error) bool
	}{
		{429, true, func(err error) bool { var e *llm.RateLimitError; return errors.As(err, &e) }},
		{401, false, func(err error) bool { var e *llm.AuthError; return errors.As(err, &e) }},
		{400, false, func(err error) bool { var e *llm.ContextLengthError; return errors.As(err, &e) }},
		{529, true, func(err error) bool { var e *llm.ServerError; return errors.As(err, &e) }},
		{418, false, func(err error) bool { var e *llm.LLMError; return errors.As(err, &e) }},
	}
	for _, tt := range tests {
		err := llm.FromStatus(tt.code, "msg", cause)
		if !tt.check(err) {
			t.Errorf("FromStatus(%d) = %T, unexpected type", tt.code, err)
		}
		if got := llm.Retryable(err); got != tt.retryable {
			t.Errorf("Retryable(FromStatus(%d)) = %v, want %v", tt.code, got, tt.retryable)
		}
		if !errors.Is(err, cause) {
			t.Errorf("FromStatus(%d) does not unwrap to cause", tt.code)
		}
	}
}

func TestCollectStream_TextOnly(t *testing.T) {
	ch := make(chan llm.StreamEvent, 3)
	ch <- llm.DeltaEvent("hello ")
	ch <- llm.DeltaEvent("world")
	close(ch)

	resp, err := llm.CollectStream(ch)
	if err != nil {
		t.Fatalf("CollectStream: %v", err)
	}
	if resp.Text() != "hello world" {
		t.Errorf("text = %q, want %q", resp.Text(), "hello world")
	}
	if resp.StopReason != llm.StopReasonEndTurn {
		t.Errorf("stop reason = %q, want end_turn", resp.StopReason)
	}
}

func TestCollectStream_CompleteWins(t *testing.T) {
	final := llm.GenerateResponse{
		Content:    []llm.ContentBlock{{Type: llm.ContentTypeText, Text: "final"}},
		StopReason: llm.StopReasonMaxTokens,
	}
	ch := make(chan llm.StreamEvent, 2)
	ch <- llm.DeltaEvent("partial")
	ch <- llm.StreamEvent{Type: llm.StreamEventComplete, Response: &final}
	close(ch)

	resp, err := llm.CollectStream(ch)
	if err != nil {
		t.Fatalf("CollectStream: %v", err)
	}
	if resp.Text() != "final" || resp.StopReason != llm.StopReasonMaxTokens {
		t.Errorf("resp = %+v, want complete response", resp)
	}
}

func TestCollectStream_Error(t *testing.T) {
	boom := errors.New("upstream reset")
	ch := make(chan llm.StreamEvent, 2)
	ch <- llm.DeltaEvent("partial")
	ch <- llm.ErrorEvent(boom)
	close(ch)

	resp, err := llm.CollectStream(ch)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if resp.Text() != "partial" {
		t.Errorf("text = %q, want partial content preserved", resp.Text())
	}
}

func TestGenerateResponse_ToolUses(t *testing.T) {
	resp := llm.GenerateResponse{Content: []llm.ContentBlock{
		{Type: llm.ContentTypeText, Text: "let me look"},
		{Type: llm.ContentTypeToolUse, ToolUse: &llm.ToolUse{ID: "1", Name: "search"}},
		{Type: llm.ContentTypeToolUse},
	}}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "search" {
		t.Fatalf("ToolUses = %+v, want one search call", uses)
	}
}
