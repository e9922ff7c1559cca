package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"patpat-agent/internal/domain"
)

// MaxContextWindow bounds the number of turns sent upstream per request.
const MaxContextWindow = 20

const (
	defaultMaxMessage    = 1000
	defaultHistoryLimit  = 50
	defaultClosingLabel  = "종료"
	maxHistoryPageLength = 200
)

type TurnStore interface {
	AppendTurn(ctx context.Context, conversationID string, role domain.Role, content, turnType string, status domain.Status) (domain.Turn, error)
	LastCompleted(ctx context.Context, conversationID string) (domain.Turn, bool, error)
	PendingSince(ctx context.Context, conversationID string, after *time.Time, limit int) ([]domain.Turn, error)
	ListTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error)
	UpdateStatus(ctx context.Context, turn domain.Turn, status domain.Status) (domain.Turn, error)
	DeleteAll(ctx context.Context, conversationID string) error
	Activity(ctx context.Context, conversationID string) (domain.ChatActivity, error)
}

type ConversationStore interface {
	FindConversation(ctx context.Context, userID, counselorID string) (domain.Conversation, error)
	FindOrCreateConversation(ctx context.Context, userID, counselorID string) (domain.Conversation, error)
}

type CounselorCatalog interface {
	GetCounselor(ctx context.Context, id string) (domain.Counselor, error)
	ListCounselors(ctx context.Context) ([]domain.Counselor, error)
}

// LastLetterFinder is the only view of letters the chat flow needs.
type LastLetterFinder interface {
	LastLetter(ctx context.Context, userID, counselorID string) (domain.Letter, bool, error)
}

type Completer interface {
	Complete(ctx context.Context, systemPrompt string, history []domain.ChatMessage, taskID string) (domain.Completion, error)
}

// ChatConfig tunes ChatService. Zero values fall back to defaults.
type ChatConfig struct {
	MaxContextTurns  int
	MaxMessageLength int
	HistoryLimit     int
	ClosingLabel     string
	Logger           *slog.Logger
}

// ChatService runs the counselor conversation state machine.
type ChatService struct {
	turns      TurnStore
	convs      ConversationStore
	counselors CounselorCatalog
	letters    LastLetterFinder
	llm        Completer

	maxContext   int
	maxMessage   int
	historyLimit int
	closingLabel string
	log          *slog.Logger
}

type SendInput struct {
	UserID      string
	UserName    string
	CounselorID string
	Message     string
}

// ChatView is a conversation together with the number of turns it holds.
// UpdatedAt reflects the newest appended turn.
type ChatView struct {
	domain.Conversation
	Turns int `json:"turns"`
}

func NewChatService(turns TurnStore, convs ConversationStore, counselors CounselorCatalog, letters LastLetterFinder, llm Completer, cfg ChatConfig) (*ChatService, error) {
	if turns == nil {
		return nil, errors.New("usecase: turn store must not be nil")
	}
	if convs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if counselors == nil {
		return nil, errors.New("usecase: counselor catalog must not be nil")
	}
	if letters == nil {
		return nil, errors.New("usecase: letter finder must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: completion client must not be nil")
	}
	if cfg.MaxContextTurns <= 0 || cfg.MaxContextTurns > MaxContextWindow {
		cfg.MaxContextTurns = MaxContextWindow
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessage
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if strings.TrimSpace(cfg.ClosingLabel) == "" {
		cfg.ClosingLabel = defaultClosingLabel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ChatService{
		turns:        turns,
		convs:        convs,
		counselors:   counselors,
		letters:      letters,
		llm:          llm,
		maxContext:   cfg.MaxContextTurns,
		maxMessage:   cfg.MaxMessageLength,
		historyLimit: cfg.HistoryLimit,
		closingLabel: strings.TrimSpace(cfg.ClosingLabel),
		log:          cfg.Logger,
	}, nil
}

func (s *ChatService) validate(in SendInput) (SendInput, error) {
	in.Message = strings.TrimSpace(in.Message)
	in.UserID = strings.TrimSpace(in.UserID)
	in.CounselorID = strings.TrimSpace(in.CounselorID)
	if in.UserID == "" {
		return in, newError(ErrorUnauthorized, "missing_user", nil)
	}
	if in.CounselorID == "" {
		return in, newError(ErrorInvalidInput, "missing_counselor", nil)
	}
	if in.Message == "" {
		return in, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(in.Message) > s.maxMessage {
		return in, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	return in, nil
}

// SendMessage stores the user's message, asks the counselor model for a
// reply and stores that reply. A reply tagged with the closing label closes
// the current sub-conversation.
//
// A completion failure leaves the user's turn in place; retrying appends a
// new user turn.
func (s *ChatService) SendMessage(ctx context.Context, in SendInput) (domain.Turn, error) {
	in, err := s.validate(in)
	if err != nil {
		return domain.Turn{}, err
	}
	counselor, err := s.counselor(ctx, in.CounselorID)
	if err != nil {
		return domain.Turn{}, err
	}
	conv, err := s.convs.FindOrCreateConversation(ctx, in.UserID, in.CounselorID)
	if err != nil {
		return domain.Turn{}, newError(ErrorInternal, "conversation_error", err)
	}

	if _, err := s.turns.AppendTurn(ctx, conv.ID, domain.RoleUser, in.Message, "", domain.StatusPending); err != nil {
		return domain.Turn{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}

	window, err := s.contextWindow(ctx, conv.ID)
	if err != nil {
		return domain.Turn{}, err
	}

	lastLetter := ""
	letter, ok, err := s.letters.LastLetter(ctx, in.UserID, in.CounselorID)
	if err != nil {
		return domain.Turn{}, newError(ErrorInternal, "letter_lookup_error", err)
	}
	if ok {
		lastLetter = letter.Content
	}
	prompt := RenderPrompt(counselor.Prompt, in.UserName, lastLetter)

	completion, err := s.llm.Complete(ctx, prompt, windowMessages(window), counselor.TaskID)
	if err != nil {
		s.log.ErrorContext(ctx, "completion failed",
			"conversation_id", conv.ID,
			"counselor_id", counselor.ID,
			"window", len(window),
			"error", err,
		)
		return domain.Turn{}, upstreamError("completion_error", err)
	}

	tagged := ExtractTag(completion.Content)
	turn, err := s.turns.AppendTurn(ctx, conv.ID, domain.RoleAssistant, tagged.Body, tagged.Label, domain.StatusPending)
	if err != nil {
		return domain.Turn{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}

	if tagged.Label == s.closingLabel {
		turn, err = s.turns.UpdateStatus(ctx, turn, domain.StatusCompleted)
		if err != nil {
			return domain.Turn{}, newError(ErrorInternal, "status_update_error", err)
		}
		s.log.InfoContext(ctx, "conversation closed",
			"conversation_id", conv.ID,
			"turn_id", turn.ID,
		)
	}

	s.log.DebugContext(ctx, "reply generated",
		"conversation_id", conv.ID,
		"label", tagged.Label,
		"input_length", completion.InputLength,
		"output_length", completion.OutputLength,
		"stop_reason", completion.StopReason,
	)
	return turn, nil
}

// contextWindow returns the turns after the last closed sub-conversation,
// newest first and capped at maxContext.
func (s *ChatService) contextWindow(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	var after *time.Time
	last, ok, err := s.turns.LastCompleted(ctx, conversationID)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_history_error", err)
	}
	if ok {
		after = &last.CreatedAt
	}
	window, err := s.turns.PendingSince(ctx, conversationID, after, s.maxContext)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_history_error", err)
	}
	if len(window) > s.maxContext {
		window = window[:s.maxContext]
	}
	return window, nil
}

func (s *ChatService) counselor(ctx context.Context, id string) (domain.Counselor, error) {
	c, err := s.counselors.GetCounselor(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Counselor{}, newError(ErrorNotFound, "counselor_not_found", err)
	}
	if err != nil {
		return domain.Counselor{}, newError(ErrorInternal, "counselor_lookup_error", err)
	}
	return c, nil
}

// ListCounselors returns the catalog in display order.
func (s *ChatService) ListCounselors(ctx context.Context) ([]domain.Counselor, error) {
	list, err := s.counselors.ListCounselors(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "counselor_lookup_error", err)
	}
	return list, nil
}

// FindOrCreateChat returns the user's conversation with a counselor,
// creating it on first access.
func (s *ChatService) FindOrCreateChat(ctx context.Context, userID, counselorID string) (ChatView, error) {
	if strings.TrimSpace(counselorID) == "" {
		return ChatView{}, newError(ErrorInvalidInput, "missing_counselor", nil)
	}
	if _, err := s.counselor(ctx, counselorID); err != nil {
		return ChatView{}, err
	}
	conv, err := s.convs.FindOrCreateConversation(ctx, userID, counselorID)
	if err != nil {
		return ChatView{}, newError(ErrorInternal, "conversation_error", err)
	}
	act, err := s.turns.Activity(ctx, conv.ID)
	if err != nil {
		return ChatView{}, newError(ErrorInternal, "dynamodb_activity_error", err)
	}
	if act.LastActivity.After(conv.UpdatedAt) {
		conv.UpdatedAt = act.LastActivity
	}
	return ChatView{Conversation: conv, Turns: act.Turns}, nil
}

// ListMessages returns up to size turns of the conversation, newest first.
// size <= 0 uses the configured default.
func (s *ChatService) ListMessages(ctx context.Context, userID, counselorID string, size int) ([]domain.Turn, error) {
	if size <= 0 {
		size = s.historyLimit
	}
	if size > maxHistoryPageLength {
		return nil, newError(ErrorInvalidInput, "size_too_large", nil)
	}
	chat, err := s.FindOrCreateChat(ctx, userID, counselorID)
	if err != nil {
		return nil, err
	}
	turns, err := s.turns.ListTurns(ctx, chat.ID, size)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_history_error", err)
	}
	return turns, nil
}

// DeleteMessages removes every turn of an existing conversation.
func (s *ChatService) DeleteMessages(ctx context.Context, userID, counselorID string) error {
	if strings.TrimSpace(counselorID) == "" {
		return newError(ErrorInvalidInput, "missing_counselor", nil)
	}
	conv, err := s.convs.FindConversation(ctx, userID, counselorID)
	if errors.Is(err, domain.ErrNotFound) {
		return newError(ErrorNotFound, "chat_not_found", err)
	}
	if err != nil {
		return newError(ErrorInternal, "conversation_error", err)
	}
	if err := s.turns.DeleteAll(ctx, conv.ID); err != nil {
		return newError(ErrorInternal, "dynamodb_delete_error", err)
	}
	return nil
}
