package domain

import "time"

// ChatMessage is the provider-agnostic chat message shape sent to the
// completion service. CreatedAt only orders the prompt and is never encoded.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"-"`
}

// Completion is the raw result of one completion call.
type Completion struct {
	Content      string
	InputLength  int
	OutputLength int
	StopReason   string
}
