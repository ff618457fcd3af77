package ai

const anthropicVersion = "bedrock-2023-05-31"

type payloadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is the body posted to the model API.
type Payload struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature"`
	System           string           `json:"system,omitempty"`
	Messages         []payloadMessage `json:"messages"`
}

// BuildPayload fills omitted sampling settings from the model defaults and
// caps max tokens at the model ceiling.
func BuildPayload(req Request, m ModelConfig) Payload {
	temperature := m.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	maxTokens := m.MaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 && *req.MaxTokens < m.MaxTokens {
		maxTokens = *req.MaxTokens
	}

	return Payload{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Temperature:      temperature,
		System:           req.SystemPrompt,
		Messages:         []payloadMessage{{Role: "user", Content: req.Message}},
	}
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type invokeResponse struct {
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	Usage      usageBlock     `json:"usage"`
	StopReason string         `json:"stop_reason"`
}

// streamChunk covers every line type the model API streams.
type streamChunk struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *usageBlock `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
