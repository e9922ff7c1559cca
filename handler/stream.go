package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"patpat-agent/internal/domain"
	"patpat-agent/internal/usecase"
)

type streamChunk struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	Role      domain.Role   `json:"role"`
	Status    domain.Status `json:"status"`
	Type      string        `json:"type,omitempty"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// streamResponse writes each event as a server-sent event frame. The body is
// produced by a goroutine feeding an io.Pipe; cancel stops the producer when
// the reader goes away.
func streamResponse(ctx context.Context, cancel context.CancelFunc, log *slog.Logger, stream <-chan usecase.StreamEvent) *events.LambdaFunctionURLStreamingResponse {
	pr, pw := io.Pipe()
	go func() {
		defer cancel()
		for ev := range stream {
			if err := writeEvent(pw, ev); err != nil {
				log.WarnContext(ctx, "stream aborted", "error", err)
				pw.CloseWithError(err)
				return
			}
			if ev.Err != nil {
				herr := toHTTPError(ev.Err)
				log.ErrorContext(ctx, "stream failed", "code", herr.Error, "error", ev.Err)
			}
		}
		pw.Close()
	}()

	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":  "text/event-stream",
			"Cache-Control": "no-cache",
			"Connection":    "keep-alive",
		},
		Body: pr,
	}
}

func writeEvent(w io.Writer, ev usecase.StreamEvent) error {
	var payload any
	if ev.Err != nil {
		payload = toHTTPError(ev.Err)
	} else {
		payload = streamChunk{
			ID:        ev.Turn.ID,
			ChatID:    ev.Turn.ConversationID,
			Role:      ev.Turn.Role,
			Status:    ev.Turn.Status,
			Type:      ev.Turn.Type,
			Content:   ev.Turn.Content,
			CreatedAt: ev.Turn.CreatedAt,
			UpdatedAt: ev.Turn.UpdatedAt,
		}
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", buf)
	return err
}
