package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"patpat-agent/internal/domain"
)

const catalog = `
counselors:
  - id: todak
    name: 토닥이
    description: 다정한 위로
    tags: [위로, 공감]
    prompt: |
      너는 {닉네임}님의 상담사야.
      {지난 편지}
  - id: ddadak
    name: 따닥이
    order: 7
    taskId: task-123
    prompt: 너는 단호한 코치야.
`

type recordingWriter struct {
	puts []domain.Counselor
	err  error
}

func (w *recordingWriter) PutCounselor(_ context.Context, co domain.Counselor) error {
	if w.err != nil {
		return w.err
	}
	w.puts = append(w.puts, co)
	return nil
}

func TestLoadCounselors(t *testing.T) {
	got, err := loadCounselors(strings.NewReader(catalog))
	require.NoError(t, err)

	want := []domain.Counselor{
		{
			ID:          "todak",
			Name:        "토닥이",
			Description: "다정한 위로",
			Order:       1,
			Tags:        []string{"위로", "공감"},
			Prompt:      "너는 {닉네임}님의 상담사야.\n{지난 편지}\n",
		},
		{ID: "ddadak", Name: "따닥이", Order: 7, TaskID: "task-123", Prompt: "너는 단호한 코치야."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("counselors mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadCounselors_Invalid(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "counselors: []", "no counselors"},
		{"unknown field", "counselors:\n  - id: a\n    nmae: x\n", "decode"},
		{"missing id", "counselors:\n  - name: a\n    prompt: p\n", "id is required"},
		{"duplicate", "counselors:\n  - {id: a, name: a, prompt: p}\n  - {id: a, name: b, prompt: p}\n", "duplicate id"},
		{"missing prompt", "counselors:\n  - {id: a, name: a}\n", "prompt is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadCounselors(strings.NewReader(tc.in))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestSeed(t *testing.T) {
	w := &recordingWriter{}
	list := []domain.Counselor{{ID: "a"}, {ID: "b"}}
	require.NoError(t, seed(context.Background(), w, list))
	require.Equal(t, list, w.puts)

	err := seed(context.Background(), &recordingWriter{err: errors.New("throttled")}, list)
	require.ErrorContains(t, err, "put a: throttled")
}
