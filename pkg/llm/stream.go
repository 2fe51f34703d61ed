package llm

import "strings"

// CollectStream drains a stream channel into a GenerateResponse.
// It blocks until the channel is closed. The first error event, if any, is
// returned alongside whatever content arrived before it.
func CollectStream(ch <-chan StreamEvent) (GenerateResponse, error) {
	var (
		resp     GenerateResponse
		text     strings.Builder
		firstErr error
	)
	for ev := range ch {
		switch ev.Type {
		case StreamEventDelta:
			text.WriteString(ev.Text)
		case StreamEventComplete:
			if ev.Response != nil {
				resp = *ev.Response
			}
		case StreamEventError:
			if firstErr == nil {
				firstErr = ev.Err
			}
		}
	}
	// No complete event: build the response from accumulated text.
	if resp.StopReason == "" && text.Len() > 0 {
		resp.Content = []ContentBlock{{Type: ContentTypeText, Text: text.String()}}
		resp.StopReason = StopReasonEndTurn
	}
	return resp, firstErr
}
