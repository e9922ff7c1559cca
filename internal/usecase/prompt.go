package usecase

import (
	"slices"
	"strings"

	"patpat-agent/internal/domain"
)

const (
	placeholderNickname = "{닉네임}"
	placeholderLetter   = "{편지}"

	// NoLetterMarker stands in for the previous letter when none exists yet.
	NoLetterMarker = "이전 편지가 존재하지 않음."
)

// RenderPrompt fills a counselor template with the user's display name and
// the content of their latest letter.
func RenderPrompt(template, nickname, lastLetter string) string {
	if strings.TrimSpace(lastLetter) == "" {
		lastLetter = NoLetterMarker
	}
	return strings.NewReplacer(
		placeholderNickname, nickname,
		placeholderLetter, lastLetter,
	).Replace(template)
}

// windowMessages converts the newest-first context window into completion
// history. Assistant turns carry their tag so the model sees its own prior
// classification; ordering is left to the completion client.
func windowMessages(window []domain.Turn) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(window))
	for _, t := range window {
		content := t.Content
		if t.Role == domain.RoleAssistant {
			content = "[" + turnType(t) + "]" + content
		}
		msgs = append(msgs, domain.ChatMessage{
			Role:      string(t.Role),
			Content:   content,
			CreatedAt: t.CreatedAt,
		})
	}
	return msgs
}

func turnType(t domain.Turn) string {
	if t.Type == "" {
		return domain.DefaultTurnType
	}
	return t.Type
}

// chronological returns turns oldest first without touching the input.
func chronological(turns []domain.Turn) []domain.Turn {
	out := slices.Clone(turns)
	slices.SortStableFunc(out, func(a, b domain.Turn) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}
