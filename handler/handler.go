package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"patpat-agent/internal/auth"
	"patpat-agent/internal/domain"
	"patpat-agent/internal/usecase"
)

const (
	apiPrefix         = "/api/v1/"
	correlationHeader = "X-Correlation-Id"
)

type ChatUseCase interface {
	SendMessage(ctx context.Context, in usecase.SendInput) (domain.Turn, error)
	SendMessageStream(ctx context.Context, in usecase.SendInput) (<-chan usecase.StreamEvent, error)
	FindOrCreateChat(ctx context.Context, userID, counselorID string) (usecase.ChatView, error)
	ListMessages(ctx context.Context, userID, counselorID string, size int) ([]domain.Turn, error)
	DeleteMessages(ctx context.Context, userID, counselorID string) error
	ListCounselors(ctx context.Context) ([]domain.Counselor, error)
}

type LetterUseCase interface {
	Generate(ctx context.Context, userID, name, counselorID string) (domain.Letter, error)
	ListLetters(ctx context.Context, userID string, liked *bool, size int) ([]domain.Letter, error)
	SetLiked(ctx context.Context, userID, letterID string, liked bool) (domain.Letter, error)
	DeleteLetters(ctx context.Context, userID, counselorID string) error
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// Handler serves the HTTP API behind a Lambda function URL in response
// streaming mode.
type Handler struct {
	chat     ChatUseCase
	letters  LetterUseCase
	verifier TokenVerifier
	log      *slog.Logger
}

type sendRequest struct {
	Message string `json:"message"`
}

type generateLetterRequest struct {
	CounselorID string `json:"counselorId"`
}

type likeRequest struct {
	IsLiked *bool `json:"isLiked"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Size  int `json:"size"`
}

type errorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// request is the transport-neutral view of one invocation.
type request struct {
	method  string
	path    []string
	query   map[string]string
	headers map[string]string
	cookies []string
	body    []byte
}

func (r request) header(name string) string {
	for k, v := range r.headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func NewHandler(chat ChatUseCase, letters LetterUseCase, verifier TokenVerifier, logger *slog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat usecase must not be nil")
	}
	if letters == nil {
		return nil, errors.New("handler: letter usecase must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("handler: token verifier must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{chat: chat, letters: letters, verifier: verifier, log: logger}, nil
}

// Handle is the Lambda entry point.
func (h *Handler) Handle(ctx context.Context, ev events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	start := time.Now()
	req, err := parseRequest(ev)

	correlationID := req.header(correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.log.With("correlation_id", correlationID, "method", req.method, "path", ev.RawPath)

	var resp *events.LambdaFunctionURLStreamingResponse
	if err != nil {
		resp = errorResponseFor(newHTTPError(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body"))
	} else {
		resp = h.route(ctx, log, req)
	}
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = correlationID

	log.InfoContext(ctx, "request handled",
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func parseRequest(ev events.LambdaFunctionURLRequest) (request, error) {
	req := request{
		method:  strings.ToUpper(ev.RequestContext.HTTP.Method),
		query:   ev.QueryStringParameters,
		headers: ev.Headers,
		cookies: ev.Cookies,
	}
	if req.method == "" {
		req.method = http.MethodGet
	}
	path := ev.RawPath
	if path == "" {
		path = ev.RequestContext.HTTP.Path
	}
	if rest, ok := strings.CutPrefix(path, apiPrefix); ok {
		req.path = strings.Split(strings.Trim(rest, "/"), "/")
	}

	req.body = []byte(ev.Body)
	if ev.IsBase64Encoded && ev.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(ev.Body)
		if err != nil {
			return req, err
		}
		req.body = decoded
	}
	return req, nil
}

func (h *Handler) route(ctx context.Context, log *slog.Logger, req request) *events.LambdaFunctionURLStreamingResponse {
	p := req.path
	switch {
	case len(p) == 1 && p[0] == "counselors":
		if req.method != http.MethodGet {
			return methodNotAllowed()
		}
		return h.listCounselors(ctx, log)
	case len(p) >= 2 && p[0] == "chats", len(p) >= 1 && p[0] == "letters":
	default:
		return errorResponseFor(newHTTPError(http.StatusNotFound, string(usecase.ErrorNotFound), "route_not_found"))
	}

	id, err := h.authenticate(ctx, req)
	if err != nil {
		return h.fail(ctx, log, err)
	}

	switch {
	case len(p) == 2 && p[0] == "chats":
		if req.method != http.MethodGet {
			return methodNotAllowed()
		}
		return h.findOrCreateChat(ctx, log, id, p[1])
	case len(p) == 3 && p[0] == "chats" && p[2] == "messages":
		switch req.method {
		case http.MethodGet:
			return h.listMessages(ctx, log, id, p[1], req)
		case http.MethodPost:
			return h.sendMessage(ctx, log, id, p[1], req)
		case http.MethodDelete:
			return h.deleteMessages(ctx, log, id, p[1])
		}
		return methodNotAllowed()
	case len(p) == 1 && p[0] == "letters":
		switch req.method {
		case http.MethodGet:
			return h.listLetters(ctx, log, id, req)
		case http.MethodPost:
			return h.generateLetter(ctx, log, id, req)
		case http.MethodDelete:
			return h.deleteLetters(ctx, log, id, req)
		}
		return methodNotAllowed()
	case len(p) == 2 && p[0] == "letters":
		if req.method != http.MethodPatch {
			return methodNotAllowed()
		}
		return h.setLiked(ctx, log, id, p[1], req)
	}
	return errorResponseFor(newHTTPError(http.StatusNotFound, string(usecase.ErrorNotFound), "route_not_found"))
}

func (h *Handler) authenticate(ctx context.Context, req request) (auth.Identity, error) {
	token := auth.TokenFromRequest(req.header("Authorization"), req.cookies)
	id, err := h.verifier.Verify(ctx, token)
	if errors.Is(err, auth.ErrUnauthorized) {
		return auth.Identity{}, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_token", Err: err}
	}
	if err != nil {
		return auth.Identity{}, &usecase.Error{Code: usecase.ErrorInternal, Reason: "token_secret_error", Err: err}
	}
	return id, nil
}

func (h *Handler) listCounselors(ctx context.Context, log *slog.Logger) *events.LambdaFunctionURLStreamingResponse {
	list, err := h.chat.ListCounselors(ctx)
	if err != nil {
		return h.fail(ctx, log, err)
	}
	return jsonResponse(http.StatusOK, listResponse[domain.Counselor]{Items: nonNil(list), Size: len(list)})
}

func (h *Handler) findOrCreateChat(ctx context.Context, log *slog.Logger, id auth.Identity, counselorID string) *events.LambdaFunctionURLStreamingResponse {
	view, err := h.chat.FindOrCreateChat(ctx, id.UserID, counselorID)
	if err != nil {
		return h.fail(ctx, log, err)
	}
	return jsonResponse(http.StatusOK, view)
}

func (h *Handler) listMessages(ctx context.Context, log *slog.Logger, id auth.Identity, counselorID string, req request) *events.LambdaFunctionURLStreamingResponse {
	size, err := intQuery(req.query, "size")
	if err != nil {
		return h.fail(ctx, log, err)
	}
	turns, err := h.chat.ListMessages(ctx, id.UserID, counselorID, size)
	if err != nil {
		return h.fail(ctx, log, err)
	}
	return jsonResponse(http.StatusOK, listResponse[domain.Turn]{Items: nonNil(turns), Size: len(turns)})
}

func (h *Handler) sendMessage(ctx context.Context, log *slog.Logger, id auth.Identity, counselorID string, req request) *events.LambdaFunctionURLStreamingResponse {
	var body sendRequest
	if err := decodeBody(req.body, &body); err != nil {
		return h.fail(ctx, log, err)
	}
	in := usecase.SendInput{
		UserID:      id.UserID,
		UserName:    id.Name,
		CounselorID: counselorID,
		Message:     body.Message,
	}

	if strings.Contains(req.header("Accept"), "text/event-stream") {
		streamCtx, cancel := context.WithCancel(ctx)
		stream, err := h.chat.SendMessageStream(streamCtx, in)
		if err != nil {
			cancel()
			return h.fail(ctx, log, err)
		}
		return streamResponse(streamCtx, cancel, log, stream)
	}

	turn, err := h.chat.SendMessage(ctx, in)
	if err != nil {
		return h.fail(ctx, log, err)
	}
	return jsonResponse(http.StatusOK, turn)
}

func (h *Handler) deleteMessages(ctx context.Context, log *slog.Logger, id auth.Identity, counselorID string) *events.LambdaFunctionURLStreamingResponse {
	if err := h.chat.DeleteMessages(ctx, id.UserID, counselorID); err != nil {
		return h.fail(ctx, log, err)
	}
	return noContent()
}

func (h *Handler) listLetters(ctx context.Context, log *slog.Logger, id auth.Identity, req request) *events.LambdaFunctionURLStreamingResponse {
	size, err := intQuery(req.query, "size")
	if err != nil {
		return h.fail(ctx, log, err)
	}
	var liked *bool
	if raw := strings.TrimSpace(req.query["isLiked"]); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return h.fail(ctx, log, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_is_liked", Err: err})
		}
		liked = &v
	}
	letters, err := h.letters.ListLetters(ctx, id.UserID, liked, size)
	if err != nil {
		return h.fail(ctx, log, err)
	}
	return jsonResponse(http.StatusOK, listResponse[domain.Letter]{Items: nonNil(letters), Size: len(letters)})
}

func (h *Handler) generateLetter(ctx context.Context, log *slog.Logger, id auth.Identity, req request) *events.LambdaFunctionURLStreamingResponse {
	var body generateLetterRequest
	if err := decodeBody(req.body, &body); err != nil {
		return h.fail(ctx, log, err)
	}
	letter, err := h.letters.Generate(ctx, id.UserID, id.Name, body.CounselorID)
	if err != nil {
		return h.fail(ctx, log, err)
	}
	return jsonResponse(http.StatusCreated, letter)
}

func (h *Handler) deleteLetters(ctx context.Context, log *slog.Logger, id auth.Identity, req request) *events.LambdaFunctionURLStreamingResponse {
	if err := h.letters.DeleteLetters(ctx, id.UserID, req.query["counselorId"]); err != nil {
		return h.fail(ctx, log, err)
	}
	return noContent()
}

func (h *Handler) setLiked(ctx context.Context, log *slog.Logger, id auth.Identity, letterID string, req request) *events.LambdaFunctionURLStreamingResponse {
	var body likeRequest
	if err := decodeBody(req.body, &body); err != nil {
		return h.fail(ctx, log, err)
	}
	if body.IsLiked == nil {
		return h.fail(ctx, log, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_is_liked"})
	}
	letter, err := h.letters.SetLiked(ctx, id.UserID, letterID, *body.IsLiked)
	if err != nil {
		return h.fail(ctx, log, err)
	}
	return jsonResponse(http.StatusOK, letter)
}

// fail logs err and converts it to an error response.
func (h *Handler) fail(ctx context.Context, log *slog.Logger, err error) *events.LambdaFunctionURLStreamingResponse {
	herr := toHTTPError(err)
	if herr.StatusCode >= http.StatusInternalServerError {
		log.ErrorContext(ctx, "request failed", "code", herr.Error, "error", err)
	} else {
		log.WarnContext(ctx, "request rejected", "code", herr.Error, "reason", herr.Message)
	}
	return errorResponseFor(herr)
}

func decodeBody(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_body"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
	}
	return nil
}

func intQuery(q map[string]string, key string) (int, error) {
	raw := strings.TrimSpace(q[key])
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_" + key, Err: err}
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func newHTTPError(status int, code, message string) errorResponse {
	return errorResponse{Error: code, StatusCode: status, Message: message}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toHTTPError(err error) errorResponse {
	var uerr *usecase.Error
	if errors.As(err, &uerr) {
		return newHTTPError(statusFor(uerr.Code), string(uerr.Code), uerr.Reason)
	}
	return newHTTPError(http.StatusInternalServerError, string(usecase.ErrorInternal), "internal_error")
}

func jsonResponse(status int, v any) *events.LambdaFunctionURLStreamingResponse {
	buf, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		buf, _ = json.Marshal(newHTTPError(status, string(usecase.ErrorInternal), "encode_error"))
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       bytes.NewReader(buf),
	}
}

func errorResponseFor(e errorResponse) *events.LambdaFunctionURLStreamingResponse {
	return jsonResponse(e.StatusCode, e)
}

func methodNotAllowed() *events.LambdaFunctionURLStreamingResponse {
	return errorResponseFor(newHTTPError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method_not_allowed"))
}

func noContent() *events.LambdaFunctionURLStreamingResponse {
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{},
		Body:       strings.NewReader(""),
	}
}
