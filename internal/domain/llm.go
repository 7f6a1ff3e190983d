package domain

import "errors"

// ErrInvalidLLMResponse marks a backend reply whose body could not be decoded
// into the expected response shape.
var ErrInvalidLLMResponse = errors.New("invalid response from LLM API")

const (
	DefaultLLMProvider = "openai"
	DefaultLLMModel    = "gpt-4o-mini"
)

// LLMRequest is the payload posted to the language-model backend. APIKey and
// ChatHistory are always overwritten by the server before the call.
type LLMRequest struct {
	APIKey      string        `json:"apiKey"`
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	IsChat      bool          `json:"isChat"`
	ChatHistory []ChatMessage `json:"chatHistory"`
}

// LLMResponse is the backend reply. Both fields are optional on the wire.
type LLMResponse struct {
	Success           *bool   `json:"success,omitempty"`
	AssistantResponse *string `json:"assistantResponse,omitempty"`
}

// Answer returns the assistant text, or "" when the backend omitted it.
func (r LLMResponse) Answer() string {
	if r.AssistantResponse == nil {
		return ""
	}
	return *r.AssistantResponse
}
