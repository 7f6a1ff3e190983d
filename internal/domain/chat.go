package domain

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape sent to the
// language-model backend. It is built per request and never persisted.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
