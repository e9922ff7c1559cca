package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"patpat-agent/internal/domain"
)

const (
	defaultLetterPage = 20
	maxLetterPage     = 100
)

// SpanStore is the slice of the turn store the distiller reads and closes.
type SpanStore interface {
	RecentCompleted(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error)
	AllSince(ctx context.Context, conversationID string, after *time.Time) ([]domain.Turn, error)
	UpdateStatus(ctx context.Context, turn domain.Turn, status domain.Status) (domain.Turn, error)
}

type ConversationFinder interface {
	FindConversation(ctx context.Context, userID, counselorID string) (domain.Conversation, error)
}

type LetterStore interface {
	CreateLetter(ctx context.Context, userID, counselorID, content, footer string) (domain.Letter, error)
	LastLetter(ctx context.Context, userID, counselorID string) (domain.Letter, bool, error)
	ListLetters(ctx context.Context, userID string, liked *bool, limit int) ([]domain.Letter, error)
	SetLetterLiked(ctx context.Context, userID, letterID string, liked bool) (domain.Letter, error)
	DeleteLetters(ctx context.Context, userID, counselorID string) error
}

type LetterGenerator interface {
	Generate(ctx context.Context, req domain.LetterRequest) (domain.LetterDraft, error)
}

// LetterService distills closed sub-conversations into letters.
type LetterService struct {
	convs   ConversationFinder
	spans   SpanStore
	letters LetterStore
	gen     LetterGenerator
	log     *slog.Logger
}

func NewLetterService(convs ConversationFinder, spans SpanStore, letters LetterStore, gen LetterGenerator, logger *slog.Logger) (*LetterService, error) {
	if convs == nil {
		return nil, errors.New("usecase: conversation finder must not be nil")
	}
	if spans == nil {
		return nil, errors.New("usecase: span store must not be nil")
	}
	if letters == nil {
		return nil, errors.New("usecase: letter store must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: letter generator must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LetterService{convs: convs, spans: spans, letters: letters, gen: gen, log: logger}, nil
}

// Generate writes a letter from the turns since the previous closure
// boundary. With fewer than two closed sub-conversations every turn is used.
// The newest turn of the span is closed first so an open sub-conversation is
// never distilled without a boundary.
func (s *LetterService) Generate(ctx context.Context, userID, name, counselorID string) (domain.Letter, error) {
	if strings.TrimSpace(counselorID) == "" {
		return domain.Letter{}, newError(ErrorInvalidInput, "missing_counselor", nil)
	}
	conv, err := s.convs.FindConversation(ctx, userID, counselorID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Letter{}, newError(ErrorNotFound, "chat_not_found", err)
	}
	if err != nil {
		return domain.Letter{}, newError(ErrorInternal, "conversation_error", err)
	}

	span, err := s.span(ctx, conv.ID)
	if err != nil {
		return domain.Letter{}, newError(ErrorInternal, "dynamodb_history_error", err)
	}

	if len(span) > 0 && span[0].Status != domain.StatusCompleted {
		closed, err := s.spans.UpdateStatus(ctx, span[0], domain.StatusCompleted)
		if err != nil {
			return domain.Letter{}, newError(ErrorInternal, "status_update_error", err)
		}
		span[0] = closed
	}

	draft, err := s.gen.Generate(ctx, domain.LetterRequest{
		UserID:      userID,
		Name:        name,
		CounselorID: counselorID,
		Turns:       chronological(span),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "letter generation failed",
			"conversation_id", conv.ID,
			"span", len(span),
			"error", err,
		)
		return domain.Letter{}, upstreamError("letter_generation_error", err)
	}

	letter, err := s.letters.CreateLetter(ctx, userID, counselorID, draft.Content, draft.Footer)
	if err != nil {
		return domain.Letter{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}
	return letter, nil
}

// span returns the distillation source newest first.
func (s *LetterService) span(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	completed, err := s.spans.RecentCompleted(ctx, conversationID, 2)
	if err != nil {
		return nil, err
	}
	var after *time.Time
	if len(completed) >= 2 {
		after = &completed[1].CreatedAt
	}
	return s.spans.AllSince(ctx, conversationID, after)
}

// LastLetter returns the newest letter of a user from a counselor.
func (s *LetterService) LastLetter(ctx context.Context, userID, counselorID string) (domain.Letter, bool, error) {
	if strings.TrimSpace(counselorID) == "" {
		return domain.Letter{}, false, newError(ErrorInvalidInput, "missing_counselor", nil)
	}
	l, ok, err := s.letters.LastLetter(ctx, userID, counselorID)
	if err != nil {
		return domain.Letter{}, false, newError(ErrorInternal, "letter_lookup_error", err)
	}
	return l, ok, nil
}

// ListLetters returns the user's letters newest first. A non-nil liked
// filters by the liked flag.
func (s *LetterService) ListLetters(ctx context.Context, userID string, liked *bool, size int) ([]domain.Letter, error) {
	if size <= 0 {
		size = defaultLetterPage
	}
	if size > maxLetterPage {
		return nil, newError(ErrorInvalidInput, "size_too_large", nil)
	}
	letters, err := s.letters.ListLetters(ctx, userID, liked, size)
	if err != nil {
		return nil, newError(ErrorInternal, "letter_lookup_error", err)
	}
	return letters, nil
}

func (s *LetterService) SetLiked(ctx context.Context, userID, letterID string, liked bool) (domain.Letter, error) {
	if strings.TrimSpace(letterID) == "" {
		return domain.Letter{}, newError(ErrorInvalidInput, "missing_letter", nil)
	}
	l, err := s.letters.SetLetterLiked(ctx, userID, letterID, liked)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Letter{}, newError(ErrorNotFound, "letter_not_found", err)
	}
	if err != nil {
		return domain.Letter{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}
	return l, nil
}

func (s *LetterService) DeleteLetters(ctx context.Context, userID, counselorID string) error {
	if strings.TrimSpace(counselorID) == "" {
		return newError(ErrorInvalidInput, "missing_counselor", nil)
	}
	if err := s.letters.DeleteLetters(ctx, userID, counselorID); err != nil {
		return newError(ErrorInternal, "dynamodb_delete_error", err)
	}
	return nil
}
