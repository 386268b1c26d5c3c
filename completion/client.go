// Package completion calls the downstream OpenAI-compatible chat
// completion service and folds replies back into the session store.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaykit/chatrelay/chat"
)

// UpstreamError reports a failure from the downstream completion
// service: transport errors, non-2xx responses, or a malformed body.
type UpstreamError struct {
	// StatusCode is the HTTP status from the downstream service, or 0
	// for transport-level failures.
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion service: status %d: %s", e.StatusCode, e.Message)
	}
	return "completion service: " + e.Message
}

// ClientConfig configures the downstream client. Defaults can be
// loaded via envdecode.
type ClientConfig struct {
	// BaseURL of the OpenAI-compatible API. ENV: COMPLETION_BASE_URL
	BaseURL string `env:"COMPLETION_BASE_URL,default=https://api.deepseek.com/v1"`

	// Model requested for every completion. ENV: COMPLETION_MODEL
	Model string `env:"COMPLETION_MODEL,default=deepseek-chat"`

	// APIKey is the bearer token. ENV: COMPLETION_API_KEY
	APIKey string `env:"COMPLETION_API_KEY"`

	// KeyProvider overrides APIKey when set; it is consulted per
	// request so keys can rotate without a restart.
	KeyProvider func() string

	// Timeout bounds one completion call. ENV: COMPLETION_TIMEOUT
	Timeout time.Duration `env:"COMPLETION_TIMEOUT,default=60s"`

	// HTTPClient overrides the default client. Used by tests.
	HTTPClient *http.Client
}

// Client speaks the chat-completions wire format: ordered {role,
// content} turns in, exactly one reply turn out (first choice only).
type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
	key        func() string
}

func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.deepseek.com/v1"
	}

	model := cfg.Model
	if model == "" {
		model = "deepseek-chat"
	}

	key := cfg.KeyProvider
	if key == nil {
		staticKey := cfg.APIKey
		key = func() string { return staticKey }
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		model:      model,
		key:        key,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete submits the turns in strict chronological order and returns
// the first choice's reply turn. All failure modes surface as
// *UpstreamError.
func (c *Client) Complete(ctx context.Context, turns []chat.Turn) (chat.Turn, error) {
	apiKey := c.key()
	if apiKey == "" {
		return chat.Turn{}, &UpstreamError{Message: "API key not configured"}
	}

	payload := chatCompletionRequest{
		Model:    c.model,
		Messages: make([]chatMessage, 0, len(turns)),
	}
	for _, turn := range turns {
		payload.Messages = append(payload.Messages, chatMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return chat.Turn{}, &UpstreamError{Message: fmt.Sprintf("encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return chat.Turn{}, &UpstreamError{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return chat.Turn{}, &UpstreamError{Message: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return chat.Turn{}, &UpstreamError{
			StatusCode: res.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return chat.Turn{}, &UpstreamError{Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(decoded.Choices) == 0 {
		return chat.Turn{}, &UpstreamError{Message: "empty choices in response"}
	}

	reply := decoded.Choices[0].Message
	role := chat.Role(reply.Role)
	if role == "" {
		role = chat.RoleAssistant
	}
	return chat.Turn{Role: role, Content: reply.Content}, nil
}
