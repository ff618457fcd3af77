package ai

// Request is one user turn sent to the model API.
type Request struct {
	SessionID    string
	SystemPrompt string
	Message      string
	Model        string

	// nil means "use the model default"
	Temperature *float64
	MaxTokens   *int
}

type Response struct {
	Content      string
	Tokens       int
	Model        string
	FinishReason string
}

type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

type EventType string

const (
	EventContent EventType = "content"
	EventUsage   EventType = "usage"
	EventError   EventType = "error"
	EventDone    EventType = "done"
)

// StreamEvent is one logical unit of a streamed reply. Error and Done are
// terminal: the channel is closed right after either.
type StreamEvent struct {
	Type    EventType
	Content string
	Usage   *Usage
	Err     error
}

func (e StreamEvent) Terminal() bool {
	return e.Type == EventError || e.Type == EventDone
}
