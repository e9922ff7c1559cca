package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"patpat-agent/internal/domain"
)

func collect(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestSendMessageStream_OneEventPerCharacterThenDone(t *testing.T) {
	reply := "안녕하세요! 무엇을 도와드릴까요?"
	svc, _, _ := newTestChat(t, reply)

	events, err := svc.SendMessageStream(context.Background(), sendInput("hello"))
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, utf8.RuneCountInString(reply)+1)
	last := got[len(got)-1]
	require.True(t, last.Done())
	require.Equal(t, StreamDone, last.Turn.Content)

	var sb strings.Builder
	for _, ev := range got[:len(got)-1] {
		require.NoError(t, ev.Err)
		require.False(t, ev.Done())
		require.Equal(t, last.Turn.ID, ev.Turn.ID)
		require.Equal(t, last.Turn.ConversationID, ev.Turn.ConversationID)
		require.Equal(t, domain.RoleAssistant, ev.Turn.Role)
		require.Equal(t, domain.StatusPending, ev.Turn.Status)
		require.Equal(t, last.Turn.CreatedAt, ev.Turn.CreatedAt)
		sb.WriteString(ev.Turn.Content)
	}
	require.Equal(t, reply, sb.String())
}

func TestSendMessageStream_CarriesCompletedStatus(t *testing.T) {
	svc, _, _ := newTestChat(t, "상담사: [종료]또 봐요")

	events, err := svc.SendMessageStream(context.Background(), sendInput("bye"))
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, utf8.RuneCountInString("또 봐요")+1)
	for _, ev := range got {
		require.Equal(t, domain.StatusCompleted, ev.Turn.Status)
		require.Equal(t, "종료", ev.Turn.Type)
	}
}

func TestSendMessageStream_EmptyReplyYieldsOnlyDone(t *testing.T) {
	svc, _, _ := newTestChat(t, "")

	events, err := svc.SendMessageStream(context.Background(), sendInput("hello"))
	require.NoError(t, err)
	got := collect(t, events)
	require.Len(t, got, 1)
	require.True(t, got[0].Done())
}

func TestSendMessageStream_ValidationIsSynchronous(t *testing.T) {
	svc, store, _ := newTestChat(t, "reply")

	events, err := svc.SendMessageStream(context.Background(), sendInput(""))
	requireCode(t, err, ErrorInvalidInput)
	require.Nil(t, events)
	require.Zero(t, store.totalTurns())
}

func TestSendMessageStream_ErrorIsSingleTerminalEvent(t *testing.T) {
	svc, _, llm := newTestChat(t, "")
	llm.err = errors.New("upstream down")

	events, err := svc.SendMessageStream(context.Background(), sendInput("hello"))
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, 1)
	requireCode(t, got[0].Err, ErrorUpstream)
	require.False(t, got[0].Done())
}

func TestSendMessageStream_CancelStopsDelivery(t *testing.T) {
	svc, store, _ := newTestChat(t, "긴 답변입니다")
	ctx, cancel := context.WithCancel(context.Background())

	events, err := svc.SendMessageStream(ctx, sendInput("hello"))
	require.NoError(t, err)

	first := <-events
	require.Equal(t, "긴", first.Turn.Content)
	cancel()
	// Nobody is receiving, so the producer can only observe cancellation.
	time.Sleep(50 * time.Millisecond)

	rest := collect(t, events)
	require.Empty(t, rest)
	// Persisted turns are not unwound.
	require.Equal(t, 2, store.totalTurns())
}
