// Package letterbot writes closing letters by asking the completion model to
// summarize a span of conversation.
package letterbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"patpat-agent/internal/domain"
)

const (
	assistantSpeaker    = "상담사"
	nicknamePlaceholder = "{닉네임}"
)

// DefaultPrompt instructs the model to answer with a JSON letter.
const DefaultPrompt = `너는 {닉네임}님과 대화를 나눈 따뜻한 상담사야.
아래 대화를 바탕으로 {닉네임}님에게 보내는 짧은 편지를 써 줘.
편지는 대화에서 나온 고민을 정리하고, 다정한 응원으로 마무리해.
반드시 다음 JSON 형식으로만 답해: {"content": "편지 본문", "footer": "마무리 인사"}`

// ErrEmptyLetter is returned when the model produced no usable text.
var ErrEmptyLetter = errors.New("letterbot: empty letter")

type draftPayload struct {
	Content string `json:"content"`
	Footer  string `json:"footer"`
}

// Completer is the single completion call a Bot makes.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, history []domain.ChatMessage, taskID string) (domain.Completion, error)
}

// Bot writes letters on top of a completion client.
type Bot struct {
	llm    Completer
	prompt string
	taskID string
	log    *slog.Logger
}

type Option func(*Bot)

// WithPrompt overrides DefaultPrompt. {닉네임} is replaced by the user's name.
func WithPrompt(prompt string) Option {
	return func(b *Bot) {
		if strings.TrimSpace(prompt) != "" {
			b.prompt = prompt
		}
	}
}

// WithTaskID routes letter requests to a tuned model.
func WithTaskID(taskID string) Option {
	return func(b *Bot) {
		b.taskID = strings.TrimSpace(taskID)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) {
		if l != nil {
			b.log = l
		}
	}
}

func New(llm Completer, opts ...Option) (*Bot, error) {
	if llm == nil {
		return nil, errors.New("letterbot: completion client must not be nil")
	}
	b := &Bot{llm: llm, prompt: DefaultPrompt, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Generate asks the model for a letter about req.Turns.
func (b *Bot) Generate(ctx context.Context, req domain.LetterRequest) (domain.LetterDraft, error) {
	prompt := strings.ReplaceAll(b.prompt, nicknamePlaceholder, req.Name)
	transcript := domain.ChatMessage{
		Role:      strings.ToLower(string(domain.RoleUser)),
		Content:   formatTranscript(req.Name, req.Turns),
		CreatedAt: time.Now(),
	}

	completion, err := b.llm.Complete(ctx, prompt, []domain.ChatMessage{transcript}, b.taskID)
	if err != nil {
		return domain.LetterDraft{}, fmt.Errorf("letterbot: complete: %w", err)
	}

	draft, repaired := parseDraft(completion.Content)
	if repaired {
		b.log.WarnContext(ctx, "letter output was not valid JSON",
			"user_id", req.UserID,
			"counselor_id", req.CounselorID,
		)
	}
	if strings.TrimSpace(draft.Content) == "" {
		return domain.LetterDraft{}, ErrEmptyLetter
	}
	return draft, nil
}

// formatTranscript renders turns as "speaker: text" lines in the given order.
func formatTranscript(name string, turns []domain.Turn) string {
	if name = strings.TrimSpace(name); name == "" {
		name = "사용자"
	}
	var sb strings.Builder
	for _, t := range turns {
		speaker := name
		if t.Role == domain.RoleAssistant {
			speaker = assistantSpeaker
		}
		sb.WriteString(speaker)
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSpace(t.Content))
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// parseDraft decodes model output into a draft. Malformed JSON is repaired
// when possible; otherwise the whole text becomes the letter body. The second
// result reports whether the output needed any fallback.
func parseDraft(raw string) (domain.LetterDraft, bool) {
	text := stripCodeFence(raw)

	var p draftPayload
	if err := json.Unmarshal([]byte(text), &p); err == nil {
		return domain.LetterDraft{Content: strings.TrimSpace(p.Content), Footer: strings.TrimSpace(p.Footer)}, false
	}
	if fixed, err := jsonrepair.JSONRepair(text); err == nil {
		if err := json.Unmarshal([]byte(fixed), &p); err == nil && p.Content != "" {
			return domain.LetterDraft{Content: strings.TrimSpace(p.Content), Footer: strings.TrimSpace(p.Footer)}, true
		}
	}
	return domain.LetterDraft{Content: strings.TrimSpace(raw)}, true
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
