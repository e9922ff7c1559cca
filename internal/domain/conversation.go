package domain

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Status tracks whether a turn closed the active sub-conversation.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
)

// CanTransitionTo reports whether a turn in status s may be moved to next.
// COMPLETED is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusCompleted
	case StatusCompleted:
		return next == StatusCompleted
	default:
		return false
	}
}

// DefaultTurnType labels assistant replies that carry no bracketed tag.
const DefaultTurnType = "general"

// Conversation binds one user to one counselor.
type Conversation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	CounselorID string    `json:"counselorId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ChatActivity summarizes the turns appended to a conversation.
type ChatActivity struct {
	Turns        int
	LastActivity time.Time
}

// Turn is a single persisted message within a conversation.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"chatId"`
	Role           Role      `json:"role"`
	Status         Status    `json:"status"`
	Type           string    `json:"type,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Letter is a distilled summary of a closed sub-conversation.
type Letter struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	CounselorID string    `json:"counselorId"`
	Content     string    `json:"content"`
	Footer      string    `json:"footer,omitempty"`
	IsLiked     bool      `json:"isLiked"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LetterRequest is everything a generator gets to write one letter. Turns are
// oldest first.
type LetterRequest struct {
	UserID      string
	Name        string
	CounselorID string
	Turns       []Turn
}

type LetterDraft struct {
	Content string
	Footer  string
}

// Counselor is a persona users can talk to. Prompt is a template with
// placeholders substituted per request; TaskID routes to a tuned model.
type Counselor struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Order       int      `json:"order" yaml:"order"`
	Tags        []string `json:"tags" yaml:"tags"`
	Prompt      string   `json:"-" yaml:"prompt"`
	TaskID      string   `json:"taskId,omitempty" yaml:"taskId"`
}
