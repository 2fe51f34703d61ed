package proxy

// EventType identifies the kind of proxy event.
type EventType string

const (
	EventTypeLoopDetected         EventType = "loop_detected"
	EventTypeToolLoopChance       EventType = "tool_loop_chance"
	EventTypeToolLoopBlocked      EventType = "tool_loop_blocked"
	EventTypeUpstreamCancelFailed EventType = "upstream_cancel_failed"
)

// Event is emitted by the proxy for real-time monitoring.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Model     string    `json:"model,omitempty"`
	Content   string    `json:"content,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Count     int       `json:"count,omitempty"`
}
