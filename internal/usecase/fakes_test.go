package usecase

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"patpat-agent/internal/domain"
)

// memStore is an in-memory stand-in for the DynamoDB repository. Every write
// advances a fake clock by one second so turn order is deterministic.
type memStore struct {
	mu         sync.Mutex
	clock      time.Time
	seq        int
	convs      map[string]domain.Conversation
	turns      map[string][]domain.Turn
	letters    []domain.Letter
	counselors map[string]domain.Counselor

	appendErr error
	updates   []domain.Turn
}

func newMemStore() *memStore {
	return &memStore{
		clock:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		convs:      map[string]domain.Conversation{},
		turns:      map[string][]domain.Turn{},
		counselors: map[string]domain.Counselor{},
	}
}

func (m *memStore) tick() (time.Time, string) {
	m.clock = m.clock.Add(time.Second)
	m.seq++
	return m.clock, fmt.Sprintf("id-%d", m.seq)
}

func (m *memStore) totalTurns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ts := range m.turns {
		n += len(ts)
	}
	return n
}

// seedTurn stores a turn directly, bypassing AppendTurn.
func (m *memStore) seedTurn(convID string, role domain.Role, status domain.Status, content string) domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	now, id := m.tick()
	t := domain.Turn{ID: id, ConversationID: convID, Role: role, Status: status, Type: domain.DefaultTurnType, Content: content, CreatedAt: now, UpdatedAt: now}
	m.turns[convID] = append(m.turns[convID], t)
	return t
}

func (m *memStore) seedConversation(userID, counselorID string) domain.Conversation {
	conv, _ := m.FindOrCreateConversation(context.Background(), userID, counselorID)
	return conv
}

// newestFirst returns a copy of the conversation's turns ordered newest first.
func (m *memStore) newestFirst(convID string) []domain.Turn {
	out := slices.Clone(m.turns[convID])
	slices.SortStableFunc(out, func(a, b domain.Turn) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

func (m *memStore) AppendTurn(_ context.Context, convID string, role domain.Role, content, turnType string, status domain.Status) (domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return domain.Turn{}, m.appendErr
	}
	now, id := m.tick()
	t := domain.Turn{ID: id, ConversationID: convID, Role: role, Status: status, Type: turnType, Content: content, CreatedAt: now, UpdatedAt: now}
	m.turns[convID] = append(m.turns[convID], t)
	return t, nil
}

func (m *memStore) LastCompleted(ctx context.Context, convID string) (domain.Turn, bool, error) {
	ts, _ := m.RecentCompleted(ctx, convID, 1)
	if len(ts) == 0 {
		return domain.Turn{}, false, nil
	}
	return ts[0], true, nil
}

func (m *memStore) RecentCompleted(_ context.Context, convID string, limit int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Turn
	for _, t := range m.newestFirst(convID) {
		if t.Status == domain.StatusCompleted {
			out = append(out, t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) PendingSince(_ context.Context, convID string, after *time.Time, limit int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Turn
	for _, t := range m.newestFirst(convID) {
		if after != nil && !t.CreatedAt.After(*after) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) AllSince(ctx context.Context, convID string, after *time.Time) ([]domain.Turn, error) {
	return m.PendingSince(ctx, convID, after, 0)
}

func (m *memStore) ListTurns(ctx context.Context, convID string, limit int) ([]domain.Turn, error) {
	return m.PendingSince(ctx, convID, nil, limit)
}

func (m *memStore) UpdateStatus(_ context.Context, turn domain.Turn, status domain.Status) (domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.turns[turn.ConversationID] {
		if t.ID != turn.ID {
			continue
		}
		if !t.Status.CanTransitionTo(status) {
			return domain.Turn{}, fmt.Errorf("invalid transition %s -> %s", t.Status, status)
		}
		t.Status = status
		m.turns[turn.ConversationID][i] = t
		m.updates = append(m.updates, t)
		return t, nil
	}
	return domain.Turn{}, domain.ErrNotFound
}

func (m *memStore) DeleteAll(_ context.Context, convID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, convID)
	return nil
}

func (m *memStore) Activity(_ context.Context, convID string) (domain.ChatActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	act := domain.ChatActivity{Turns: len(m.turns[convID])}
	for _, t := range m.turns[convID] {
		if t.CreatedAt.After(act.LastActivity) {
			act.LastActivity = t.CreatedAt
		}
	}
	return act, nil
}

func (m *memStore) FindConversation(_ context.Context, userID, counselorID string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[userID+"/"+counselorID]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memStore) FindOrCreateConversation(_ context.Context, userID, counselorID string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "/" + counselorID
	if c, ok := m.convs[key]; ok {
		return c, nil
	}
	now, _ := m.tick()
	c := domain.Conversation{ID: "chat-" + counselorID, UserID: userID, CounselorID: counselorID, CreatedAt: now, UpdatedAt: now}
	m.convs[key] = c
	return c, nil
}

func (m *memStore) GetCounselor(_ context.Context, id string) (domain.Counselor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counselors[id]
	if !ok {
		return domain.Counselor{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ListCounselors(_ context.Context) ([]domain.Counselor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Counselor
	for _, c := range m.counselors {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Counselor) int { return a.Order - b.Order })
	return out, nil
}

func (m *memStore) CreateLetter(_ context.Context, userID, counselorID, content, footer string) (domain.Letter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now, id := m.tick()
	l := domain.Letter{ID: id, UserID: userID, CounselorID: counselorID, Content: content, Footer: footer, CreatedAt: now, UpdatedAt: now}
	m.letters = append(m.letters, l)
	return l, nil
}

func (m *memStore) LastLetter(_ context.Context, userID, counselorID string) (domain.Letter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.letters) - 1; i >= 0; i-- {
		if l := m.letters[i]; l.UserID == userID && l.CounselorID == counselorID {
			return l, true, nil
		}
	}
	return domain.Letter{}, false, nil
}

func (m *memStore) ListLetters(_ context.Context, userID string, liked *bool, limit int) ([]domain.Letter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Letter
	for i := len(m.letters) - 1; i >= 0 && len(out) < limit; i-- {
		l := m.letters[i]
		if l.UserID != userID || (liked != nil && l.IsLiked != *liked) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *memStore) SetLetterLiked(_ context.Context, userID, letterID string, liked bool) (domain.Letter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.letters {
		if l.UserID == userID && l.ID == letterID {
			m.letters[i].IsLiked = liked
			return m.letters[i], nil
		}
	}
	return domain.Letter{}, domain.ErrNotFound
}

func (m *memStore) DeleteLetters(_ context.Context, userID, counselorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = slices.DeleteFunc(m.letters, func(l domain.Letter) bool {
		return l.UserID == userID && l.CounselorID == counselorID
	})
	return nil
}

// fakeCompleter records every request and answers with reply or err.
type fakeCompleter struct {
	reply string
	err   error

	calls   int
	prompt  string
	history []domain.ChatMessage
	taskID  string
}

func (f *fakeCompleter) Complete(_ context.Context, systemPrompt string, history []domain.ChatMessage, taskID string) (domain.Completion, error) {
	f.calls++
	f.prompt = systemPrompt
	f.history = history
	f.taskID = taskID
	if f.err != nil {
		return domain.Completion{}, f.err
	}
	return domain.Completion{Content: f.reply, OutputLength: len(f.reply)}, nil
}

type statusErr struct{ code int }

func (e statusErr) Error() string        { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }
