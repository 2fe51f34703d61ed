package proxy

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ravi-parthasarathy/loopguard/pkg/config"
	"github.com/ravi-parthasarathy/loopguard/pkg/llm"
	"github.com/ravi-parthasarathy/loopguard/pkg/loopdetect"
)

// DefaultCancelGrace bounds how long Intercept waits for the upstream to
// acknowledge cancellation.
const DefaultCancelGrace = 2 * time.Second

// Upstream is a backend stream together with the means to stop it.
type Upstream struct {
	// Events should close soon after Cancel takes effect. A channel still
	// open CancelGrace after cancellation is abandoned.
	Events <-chan llm.StreamEvent
	// Cancel stops upstream generation. It may be nil.
	Cancel func(context.Context) error
}

// InterceptOptions tunes Intercept. The zero value is usable.
type InterceptOptions struct {
	// CancelGrace caps the wait on Upstream.Cancel. Zero means DefaultCancelGrace.
	CancelGrace time.Duration
	// OnDetect is called once when a content loop cuts the stream.
	OnDetect func(*loopdetect.DetectionEvent)
	// OnCancelError is called when Upstream.Cancel fails or times out.
	OnCancelError func(error)
}

// Intercept relays upstream events to the client while feeding every text
// delta to det. Each delta is forwarded before it is analysed. When a loop is
// detected the upstream is cancelled and drained, a single notice delta is
// sent, and the returned channel is closed. If det is disabled the upstream
// channel is returned as is.
func Intercept(ctx context.Context, up Upstream, det *loopdetect.ContentDetector, opts InterceptOptions) <-chan llm.StreamEvent {
	if !det.IsEnabled() {
		return up.Events
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}

	out := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(out)
		stop := func() {
			cancelUpstream(ctx, up, opts)
			go drain(up.Events, opts.CancelGrace)
		}
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case ev, ok := <-up.Events:
				if !ok {
					return
				}
				if !send(ctx, out, ev) {
					stop()
					return
				}
				if ev.Type != llm.StreamEventDelta {
					continue
				}
				detected := det.ProcessChunk(ev.Text)
				if detected == nil {
					slog.Log(ctx, config.LevelTrace, "delta analysed", "runes", utf8.RuneCountInString(ev.Text), "buffered", det.BufferLen())
					continue
				}
				slog.Warn("content loop detected, cancelling upstream", "loop", detected)
				if opts.OnDetect != nil {
					opts.OnDetect(detected)
				}
				stop()
				send(ctx, out, llm.DeltaEvent(detected.Notice()))
				return
			}
		}
	}()
	return out
}

// cancelUpstream calls up.Cancel and waits at most opts.CancelGrace. Failures
// are logged and reported through OnCancelError only.
func cancelUpstream(ctx context.Context, up Upstream, opts InterceptOptions) {
	if up.Cancel == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.CancelGrace)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- up.Cancel(cctx) }()

	var err error
	select {
	case err = <-errc:
	case <-cctx.Done():
		err = cctx.Err()
	}
	if err == nil {
		return
	}
	slog.Error("upstream cancel failed", "error", err, "grace", opts.CancelGrace)
	if opts.OnCancelError != nil {
		opts.OnCancelError(err)
	}
}

func send(ctx context.Context, out chan<- llm.StreamEvent, ev llm.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain discards events until ch closes or limit elapses.
func drain(ch <-chan llm.StreamEvent, limit time.Duration) {
	if limit <= 0 {
		limit = DefaultCancelGrace
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timer.C:
			slog.Warn("upstream still open after cancel, abandoning drain", "limit", limit)
			return
		}
	}
}
