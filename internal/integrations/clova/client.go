// Package clova is a focused client for the CLOVA Studio (HyperCLOVA X)
// chat-completions API.
package clova

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"patpat-agent/internal/domain"
	"patpat-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://clovastudio.apigw.ntruss.com/testapp/"
	defaultModel   = "HCX-003"
	statusOK       = "20000"
	systemRole     = "system"
)

// ErrGenerationFailed matches every failure of the upstream completion
// service, whether transport or payload level.
var ErrGenerationFailed = errors.New("clova: generation failed")

// options is the process-wide sampling bundle sent with every request.
type options struct {
	TopP             float64  `json:"topP"`
	TopK             int      `json:"topK"`
	MaxTokens        int      `json:"maxTokens"`
	Temperature      float64  `json:"temperature"`
	RepeatPenalty    float64  `json:"repeatPenalty"`
	StopBefore       []string `json:"stopBefore"`
	IncludeAIFilters bool     `json:"includeAiFilters"`
	Seed             int      `json:"seed"`
}

var defaultOptions = options{
	TopP:          0.8,
	TopK:          0,
	MaxTokens:     512,
	Temperature:   0.3,
	RepeatPenalty: 5.0,
	StopBefore:    []string{},
	Seed:          0,
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []wireMessage `json:"messages"`
	options
}

type chatResponse struct {
	Status struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"status"`
	Result *struct {
		Message      wireMessage `json:"message"`
		InputLength  int         `json:"inputLength"`
		OutputLength int         `json:"outputLength"`
		StopReason   string      `json:"stopReason"`
		Seed         int64       `json:"seed"`
	} `json:"result"`
}

// apiKeys is the expected JSON shape stored in SSM for the credentials.
type apiKeys struct {
	ClovaStudioAPIKey string `json:"clovaStudioApiKey"`
	APIGatewayKey     string `json:"apigwApiKey"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("clova: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrGenerationFailed
}

// GenerationError reports a 2xx response whose payload signals failure.
type GenerationError struct {
	Code    string
	Message string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("clova: generation failed with status %s: %s", e.Code, e.Message)
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGenerationFailed
}

// Client issues chat-completion requests. Credentials are resolved from the
// parameter store on first use; a failed load is retried on the next call.
type Client struct {
	baseURL     string
	model       string
	httpClient  *http.Client
	limiter     *rate.Limiter
	getter      paramstore.Getter
	paramPrefix string

	mu   sync.RWMutex
	keys *apiKeys
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if b := strings.TrimSpace(baseURL); b != "" {
			c.baseURL = b
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithDefaultModel sets the model used when a request carries no task id.
func WithDefaultModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

// WithRateLimit caps outgoing requests at perSecond with the given burst.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// NewClient creates a new Client backed by the given paramstore.Getter for
// credential retrieval.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("clova: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("clova: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		model:       defaultModel,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// KeysParameterName is the SSM parameter holding the API credentials.
func (c *Client) KeysParameterName() string {
	return c.paramPrefix + "/clova-api-keys"
}

func (c *Client) resolveKeys(ctx context.Context) (apiKeys, error) {
	c.mu.RLock()
	keys := c.keys
	c.mu.RUnlock()
	if keys != nil {
		return *keys, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys != nil {
		return *c.keys, nil
	}
	fetched, err := fetchKeys(ctx, c.getter, c.KeysParameterName())
	if err != nil {
		return apiKeys{}, err
	}
	c.keys = &fetched
	return fetched, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// completionURL picks the tuned-task endpoint when taskID is set and the
// base model endpoint otherwise.
func completionURL(baseURL, model, taskID string) string {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if taskID = strings.TrimSpace(taskID); taskID != "" {
		return base + "v2/tasks/" + url.PathEscape(taskID) + "/chat-completions"
	}
	if model == "" {
		model = defaultModel
	}
	return base + "v1/chat-completions/" + url.PathEscape(model)
}

// buildMessages orders history chronologically, lower-cases roles and puts a
// non-empty system prompt first.
func buildMessages(systemPrompt string, history []domain.ChatMessage) []wireMessage {
	sorted := slices.Clone(history)
	slices.SortStableFunc(sorted, func(a, b domain.ChatMessage) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	msgs := make([]wireMessage, 0, len(sorted)+1)
	if systemPrompt != "" {
		msgs = append(msgs, wireMessage{Role: systemRole, Content: systemPrompt})
	}
	for _, m := range sorted {
		msgs = append(msgs, wireMessage{Role: strings.ToLower(m.Role), Content: m.Content})
	}
	return msgs
}

// Complete sends one chat-completion request and returns the reply text with
// its token accounting. It never retries.
func (c *Client) Complete(ctx context.Context, systemPrompt string, history []domain.ChatMessage, taskID string) (domain.Completion, error) {
	keys, err := c.resolveKeys(ctx)
	if err != nil {
		return domain.Completion{}, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.Completion{}, fmt.Errorf("clova: rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(chatRequest{
		Messages: buildMessages(systemPrompt, history),
		options:  defaultOptions,
	})
	if err != nil {
		return domain.Completion{}, fmt.Errorf("clova: marshal request: %w", err)
	}

	endpoint := completionURL(c.baseURL, c.model, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Completion{}, fmt.Errorf("clova: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-NCP-CLOVASTUDIO-API-KEY", keys.ClovaStudioAPIKey)
	req.Header.Set("X-NCP-APIGW-API-KEY", keys.APIGatewayKey)

	raw, err := c.doJSONRequest(req, endpoint)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("clova: request failed: %w", err)
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Completion{}, fmt.Errorf("clova: decode response: %w: %w", ErrGenerationFailed, err)
	}
	if payload.Status.Code != "" && payload.Status.Code != statusOK {
		return domain.Completion{}, &GenerationError{Code: payload.Status.Code, Message: payload.Status.Message}
	}
	if payload.Result == nil {
		return domain.Completion{}, &GenerationError{Code: payload.Status.Code, Message: "response has no result"}
	}

	return domain.Completion{
		Content:      payload.Result.Message.Content,
		InputLength:  payload.Result.InputLength,
		OutputLength: payload.Result.OutputLength,
		StopReason:   payload.Result.StopReason,
	}, nil
}

func (c *Client) doJSONRequest(req *http.Request, endpoint string) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", ErrGenerationFailed, err)
	}
	return buf, nil
}

func fetchKeys(ctx context.Context, getter paramstore.Getter, name string) (apiKeys, error) {
	if strings.TrimSpace(name) == "" {
		return apiKeys{}, errors.New("clova: keys parameter name is empty")
	}
	var keys apiKeys
	if err := paramstore.DecodeJSON(ctx, getter, name, &keys); err != nil {
		return apiKeys{}, fmt.Errorf("clova: fetch keys from paramstore: %w", err)
	}
	if keys.ClovaStudioAPIKey == "" || keys.APIGatewayKey == "" {
		return apiKeys{}, errors.New("clova: API keys are empty")
	}
	return keys, nil
}
