package turnstream

// EventKind discriminates the payloads carried by one turn's event stream.
type EventKind string

const (
	EventThinking EventKind = "thinking"
	EventText     EventKind = "text"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// TurnEvent is one parsed unit of a turn's event stream.
//
// Only the fields matching the event's Kind are populated: a thinking event
// carries agent/turn attribution, a text event carries the full turn payload,
// an error event carries Message. Token counts and latency are pointers
// because the generation service omits them for providers that don't report
// usage.
type TurnEvent struct {
	Kind      EventKind `json:"type"`
	Agent     string    `json:"agent,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`
	Turn      int       `json:"turn,omitempty"`
	Text      string    `json:"text,omitempty"`
	Model     string    `json:"model,omitempty"`

	InputTokens  *int     `json:"input_tokens,omitempty"`
	OutputTokens *int     `json:"output_tokens,omitempty"`
	LatencyMs    *float64 `json:"latency_ms,omitempty"`

	Voice    string  `json:"voice,omitempty"`
	TTSSpeed float64 `json:"tts_speed,omitempty"`
	TTSPitch int     `json:"tts_pitch,omitempty"`

	IsFinal   bool    `json:"is_final,omitempty"`
	NextAgent *string `json:"next_agent,omitempty"`

	// ConversationID is echoed on chat events so follow-up messages can keep
	// the same conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	// Message is only set for error events.
	Message string `json:"message,omitempty"`
}
