package usecase

import (
	"context"

	"patpat-agent/internal/domain"
)

// StreamDone is the content of the final event of a successful stream.
const StreamDone = "[DONE]"

// StreamEvent is one fragment of a streamed reply. Exactly one of Turn or Err
// is meaningful: Err is set only on the last event of a failed stream.
type StreamEvent struct {
	Turn domain.Turn
	Err  error
}

// Done reports whether e is the closing sentinel.
func (e StreamEvent) Done() bool {
	return e.Err == nil && e.Turn.Content == StreamDone
}

// SendMessageStream validates in synchronously, then runs SendMessage in the
// background and replays the stored reply one character per event followed by
// the StreamDone sentinel. Failures after validation arrive as a single event
// carrying Err. The channel is closed when the stream ends or ctx is done.
func (s *ChatService) SendMessageStream(ctx context.Context, in SendInput) (<-chan StreamEvent, error) {
	if _, err := s.validate(in); err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		turn, err := s.SendMessage(ctx, in)
		if err != nil {
			emit(ctx, events, StreamEvent{Err: err})
			return
		}
		for _, r := range turn.Content {
			fragment := turn
			fragment.Content = string(r)
			if !emit(ctx, events, StreamEvent{Turn: fragment}) {
				return
			}
		}
		done := turn
		done.Content = StreamDone
		emit(ctx, events, StreamEvent{Turn: done})
	}()
	return events, nil
}

func emit(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
