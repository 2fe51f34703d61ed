// Package proxy sits between a client and an LLM backend and suppresses
// runaway output: repeating text in streamed responses and identical tool
// calls repeated across turns of a session.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ravi-parthasarathy/loopguard/pkg/config"
	"github.com/ravi-parthasarathy/loopguard/pkg/llm"
	"github.com/ravi-parthasarathy/loopguard/pkg/loopdetect"
	"github.com/ravi-parthasarathy/loopguard/pkg/session"
	"github.com/ravi-parthasarathy/loopguard/pkg/toolloop"
)

// Backend returns the client that serves a "provider:model" ID.
type Backend func(modelID string) (llm.Client, error)

// DefaultBackend resolves clients from the provider registry using
// environment credentials.
func DefaultBackend(modelID string) (llm.Client, error) {
	return llm.NewClient(modelID, llm.ProviderConfig{})
}

// FileBackend resolves clients from the provider registry using the
// connection settings in f.
func FileBackend(f *config.File) Backend {
	return func(modelID string) (llm.Client, error) {
		provider, _, err := llm.ParseModelID(modelID)
		if err != nil {
			return nil, err
		}
		return llm.NewClient(modelID, f.Provider(provider))
	}
}

// Proxy applies loop detection to requests routed to a backend.
type Proxy struct {
	resolver    *config.Resolver
	sessions    *session.Store
	backend     Backend
	cancelGrace time.Duration
	eventCh     chan<- Event
	now         func() time.Time
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithBackend sets how backend clients are obtained.
func WithBackend(b Backend) Option {
	return func(p *Proxy) { p.backend = b }
}

// WithEvents provides a channel for event emission. Events are dropped when
// the channel is full.
func WithEvents(ch chan<- Event) Option {
	return func(p *Proxy) { p.eventCh = ch }
}

// WithCancelGrace bounds the wait for upstream cancellation.
func WithCancelGrace(d time.Duration) Option {
	return func(p *Proxy) { p.cancelGrace = d }
}

// WithClock overrides the time source used for tool-call history.
func WithClock(now func() time.Time) Option {
	return func(p *Proxy) { p.now = now }
}

// New creates a Proxy. A nil resolver uses built-in defaults only.
func New(resolver *config.Resolver, sessions *session.Store, opts ...Option) *Proxy {
	if resolver == nil {
		resolver = config.NewResolver(nil)
	}
	p := &Proxy{
		resolver:    resolver,
		sessions:    sessions,
		backend:     DefaultBackend,
		cancelGrace: DefaultCancelGrace,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetOverrides replaces the session tier of the configuration. It takes
// effect from the next request.
func (p *Proxy) SetOverrides(sessionID string, o config.Overrides) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("session %s overrides: %w", sessionID, err)
	}
	p.sessions.Get(sessionID).SetOverrides(o)
	return nil
}

// Settings returns the snapshot a request for modelID in the session would
// use right now.
func (p *Proxy) Settings(sessionID, modelID string) config.Settings {
	return p.resolver.Resolve(modelID, p.sessions.Get(sessionID).Overrides())
}

type request struct {
	sess     *session.Session
	settings config.Settings
	client   llm.Client
	tools    *toolloop.Detector
}

func (p *Proxy) prepare(sessionID string, req llm.GenerateRequest) (*request, error) {
	sess := p.sessions.Get(sessionID)
	settings := p.resolver.Resolve(req.Model, sess.Overrides())
	client, err := p.backend(req.Model)
	if err != nil {
		return nil, fmt.Errorf("proxy: backend for %q: %w", req.Model, err)
	}
	return &request{
		sess:     sess,
		settings: settings,
		client:   client,
		tools:    toolloop.NewDetector(settings.ToolLoop),
	}, nil
}

// Stream starts a streaming generation for the session. Text deltas pass
// through content loop detection and tool calls through tool-loop
// detection. Suppressed tool calls arrive as text deltas carrying the
// guidance or error message.
func (p *Proxy) Stream(ctx context.Context, sessionID string, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	r, err := p.prepare(sessionID, req)
	if err != nil {
		return nil, err
	}

	upCtx, cancel := context.WithCancel(ctx)
	events, err := r.client.Stream(upCtx, req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("proxy: start stream: %w", err)
	}

	det := loopdetect.NewContentDetector(r.settings.Loop, r.sess.ID)
	intercepted := Intercept(ctx, Upstream{
		Events: events,
		Cancel: func(context.Context) error {
			cancel()
			return nil
		},
	}, det, InterceptOptions{
		CancelGrace: p.cancelGrace,
		OnDetect: func(ev *loopdetect.DetectionEvent) {
			p.emit(Event{Type: EventTypeLoopDetected, SessionID: r.sess.ID, Model: req.Model, Content: ev.Notice(), Count: ev.RepeatCount})
		},
		OnCancelError: func(err error) {
			p.emit(Event{Type: EventTypeUpstreamCancelFailed, SessionID: r.sess.ID, Model: req.Model, Content: err.Error()})
		},
	})

	out := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(out)
		defer cancel()
		var decided []toolloop.Decision
		for ev := range intercepted {
			switch ev.Type {
			case llm.StreamEventToolUse:
				if ev.ToolUse == nil {
					break
				}
				dec := p.checkTool(r, req.Model, ev.ToolUse)
				decided = append(decided, dec)
				if !dec.Allowed() {
					ev = llm.DeltaEvent(dec.Message)
				}
			case llm.StreamEventComplete:
				if ev.Response != nil {
					resp := p.filterToolUses(r, req.Model, *ev.Response, decided)
					ev.Response = &resp
				}
			}
			if !send(ctx, out, ev) {
				go drain(intercepted, p.cancelGrace)
				return
			}
		}
	}()
	return out, nil
}

// Complete performs a blocking generation for the session. Text that loops
// is cut after the repeating run and followed by the loop notice. Tool calls
// that the tool-loop detector refuses are replaced by text and never reach
// the client as calls.
func (p *Proxy) Complete(ctx context.Context, sessionID string, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	r, err := p.prepare(sessionID, req)
	if err != nil {
		return llm.GenerateResponse{}, err
	}
	resp, err := r.client.Complete(ctx, req)
	if err != nil {
		return llm.GenerateResponse{}, fmt.Errorf("proxy: complete: %w", err)
	}
	resp = p.truncateLoop(r, req.Model, resp)
	return p.filterToolUses(r, req.Model, resp, nil), nil
}

// truncateLoop runs the content detector over the text blocks in order. On
// detection the block is cut, the notice appended and everything after it
// dropped.
func (p *Proxy) truncateLoop(r *request, model string, resp llm.GenerateResponse) llm.GenerateResponse {
	det := loopdetect.NewContentDetector(r.settings.Loop, r.sess.ID)
	if !det.IsEnabled() {
		return resp
	}
	for i, b := range resp.Content {
		if b.Type != llm.ContentTypeText {
			continue
		}
		ev, off := det.ProcessText(b.Text)
		if ev == nil {
			continue
		}
		slog.Warn("content loop detected in response", "loop", ev, "model", model)
		p.emit(Event{Type: EventTypeLoopDetected, SessionID: r.sess.ID, Model: model, Content: ev.Notice(), Count: ev.RepeatCount})

		content := make([]llm.ContentBlock, i, i+1)
		copy(content, resp.Content[:i])
		content = append(content, llm.ContentBlock{Type: llm.ContentTypeText, Text: b.Text[:off] + "\n" + ev.Notice()})
		resp.Content = content
		resp.StopReason = llm.StopReasonLoopDetected
		return resp
	}
	return resp
}

// filterToolUses replaces refused tool_use blocks with their message. The
// first len(decided) tool calls reuse decisions already made while
// streaming. If every tool call was refused the stop reason becomes end_turn.
func (p *Proxy) filterToolUses(r *request, model string, resp llm.GenerateResponse, decided []toolloop.Decision) llm.GenerateResponse {
	var (
		content   = make([]llm.ContentBlock, 0, len(resp.Content))
		calls     int
		survivors int
	)
	for _, b := range resp.Content {
		if b.Type != llm.ContentTypeToolUse || b.ToolUse == nil {
			content = append(content, b)
			continue
		}
		var dec toolloop.Decision
		if calls < len(decided) {
			dec = decided[calls]
		} else {
			dec = p.checkTool(r, model, b.ToolUse)
		}
		calls++
		if dec.Allowed() {
			survivors++
			content = append(content, b)
			continue
		}
		content = append(content, llm.ContentBlock{Type: llm.ContentTypeText, Text: dec.Message})
	}
	resp.Content = content
	if calls > 0 && survivors == 0 {
		resp.StopReason = llm.StopReasonEndTurn
	}
	return resp
}

func (p *Proxy) checkTool(r *request, model string, tu *llm.ToolUse) toolloop.Decision {
	dec := r.tools.Check(r.sess.Tools, tu.Name, string(tu.Input), p.now())
	switch dec.Action {
	case toolloop.ActionChance:
		p.emit(Event{Type: EventTypeToolLoopChance, SessionID: r.sess.ID, Model: model, ToolName: tu.Name, Content: dec.Message, Count: dec.Count})
	case toolloop.ActionBlock:
		p.emit(Event{Type: EventTypeToolLoopBlocked, SessionID: r.sess.ID, Model: model, ToolName: tu.Name, Content: dec.Message, Count: dec.Count})
	}
	return dec
}

func (p *Proxy) emit(e Event) {
	if p.eventCh != nil {
		select {
		case p.eventCh <- e:
		default:
		}
	}
}
