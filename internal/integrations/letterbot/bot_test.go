package letterbot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"patpat-agent/internal/domain"
)

type fakeCompleter struct {
	reply string
	err   error

	prompt  string
	history []domain.ChatMessage
	taskID  string
}

func (f *fakeCompleter) Complete(_ context.Context, systemPrompt string, history []domain.ChatMessage, taskID string) (domain.Completion, error) {
	f.prompt = systemPrompt
	f.history = history
	f.taskID = taskID
	return domain.Completion{Content: f.reply}, f.err
}

func sampleRequest() domain.LetterRequest {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return domain.LetterRequest{
		UserID:      "u1",
		Name:        "민지",
		CounselorID: "c1",
		Turns: []domain.Turn{
			{Role: domain.RoleUser, Content: "요즘 잠을 못 자요", CreatedAt: t0},
			{Role: domain.RoleAssistant, Content: "많이 힘드셨겠어요 ", CreatedAt: t0.Add(time.Second)},
		},
	}
}

func TestNew_NilCompleter(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestGenerate_JSONReply(t *testing.T) {
	llm := &fakeCompleter{reply: `{"content":"민지님, 오늘도 수고했어요.","footer":"토닥이 드림"}`}
	bot, err := New(llm, WithTaskID("letter-task"), WithPrompt("{닉네임}님께 편지를 써 줘"))
	require.NoError(t, err)

	draft, err := bot.Generate(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.Equal(t, domain.LetterDraft{Content: "민지님, 오늘도 수고했어요.", Footer: "토닥이 드림"}, draft)

	require.Equal(t, "민지님께 편지를 써 줘", llm.prompt)
	require.Equal(t, "letter-task", llm.taskID)
	require.Len(t, llm.history, 1)
	require.Equal(t, "user", llm.history[0].Role)
	require.Equal(t, "민지: 요즘 잠을 못 자요\n상담사: 많이 힘드셨겠어요", llm.history[0].Content)
}

func TestGenerate_DefaultPrompt(t *testing.T) {
	llm := &fakeCompleter{reply: `{"content":"편지"}`}
	bot, err := New(llm, WithPrompt("  "))
	require.NoError(t, err)

	_, err = bot.Generate(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.Contains(t, llm.prompt, "민지님과 대화를 나눈")
	require.NotContains(t, llm.prompt, "{닉네임}")
}

func TestGenerate_CompleterError(t *testing.T) {
	bot, err := New(&fakeCompleter{err: errors.New("upstream down")})
	require.NoError(t, err)
	_, err = bot.Generate(context.Background(), sampleRequest())
	require.ErrorContains(t, err, "upstream down")
}

func TestGenerate_EmptyReply(t *testing.T) {
	bot, err := New(&fakeCompleter{reply: `{"content":"  ","footer":"x"}`})
	require.NoError(t, err)
	_, err = bot.Generate(context.Background(), sampleRequest())
	require.ErrorIs(t, err, ErrEmptyLetter)
}

func TestParseDraft(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		want     domain.LetterDraft
		repaired bool
	}{
		{"valid json", `{"content":"본문","footer":"끝"}`, domain.LetterDraft{Content: "본문", Footer: "끝"}, false},
		{"code fence", "```json\n{\"content\":\"본문\",\"footer\":\"끝\"}\n```", domain.LetterDraft{Content: "본문", Footer: "끝"}, false},
		{"missing brace", `{"content":"본문","footer":"끝"`, domain.LetterDraft{Content: "본문", Footer: "끝"}, true},
		{"plain text", "그냥 쓴 편지예요", domain.LetterDraft{Content: "그냥 쓴 편지예요"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, repaired := parseDraft(tc.raw)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.repaired, repaired)
		})
	}
}

func TestFormatTranscript_DefaultName(t *testing.T) {
	got := formatTranscript(" ", []domain.Turn{{Role: domain.RoleUser, Content: "hi"}})
	require.Equal(t, "사용자: hi", got)
}
