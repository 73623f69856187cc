package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/snapscribe/snapscribe/internal/config"
	"github.com/snapscribe/snapscribe/internal/llm"
)

var _ llm.Client = (*Client)(nil)

// ErrConnectionFailed marks a failed reachability probe at construction time.
// A client is never returned alongside this error.
var ErrConnectionFailed = errors.New("ollama server unreachable")

const (
	// Defaults matching a locally hosted Ollama instance.
	DefaultHost  = "http://127.0.0.1:11434"
	DefaultModel = "llama3.2-vision:11b"

	// Endpoints
	endpointChat = "/api/chat"
	endpointTags = "/api/tags"

	headerContentType = "Content-Type"

	roleUser = "user"

	errorSnippetLimit = 400
)

// Client performs vision OCR against an Ollama server. Configuration is
// immutable after construction; per-call state is limited to the request
// itself, so concurrent calls are safe.
type Client struct {
	httpClient    *http.Client
	log           *slog.Logger
	host          string
	model         string
	defaultPrompt string
}

// New creates an Ollama OCR client and verifies the server is reachable via
// the model-listing endpoint. On probe failure the returned error wraps
// ErrConnectionFailed and no client is returned.
func New(ctx context.Context, cfg config.OllamaSettings, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		return nil, errors.New("ollama host is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("ollama model is required")
	}
	prompt := cfg.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultTextPrompt
	}

	c := &Client{
		// No client-level timeout: cancellation and deadlines are inherited
		// from the caller's context.
		httpClient:    &http.Client{},
		log:           log,
		host:          host,
		model:         model,
		defaultPrompt: prompt,
	}

	models, err := c.listModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, host, err)
	}
	log.Info("connected to ollama", "host", host, "model", model, "available_models", len(models))
	return c, nil
}

// listModels is the reachability probe; the listing itself is only used for a
// diagnostic count.
func (c *Client) listModels(ctx context.Context) ([]modelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+endpointTags, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("tags status %d: %s", resp.StatusCode, truncate(string(body), errorSnippetLimit))
	}
	var tags tagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("parse tags response: %w", err)
	}
	return tags.Models, nil
}

// PerformVisionOCR implements llm.Client. The call is a single synchronous
// round trip: no retry, and any failure yields an absent Result.
func (c *Client) PerformVisionOCR(ctx context.Context, imagePath string, temperature float64, promptOverride string) llm.Result {
	prompt := c.defaultPrompt
	if promptOverride != "" {
		prompt = promptOverride
	}

	encoded, ok := c.encodeImage(imagePath)
	if !ok {
		return llm.Failed(llm.FailureEncoding)
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{
				Role:    roleUser,
				Content: prompt,
				Images:  []string{encoded},
			},
		},
		Stream:  false,
		Options: chatOptions{Temperature: temperature},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		c.log.Error("marshal chat request", "err", err)
		return llm.Failed(llm.FailureUnexpected)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+endpointChat, bytes.NewReader(bodyBytes))
	if err != nil {
		c.log.Error("build chat request", "err", err)
		return llm.Failed(llm.FailureUnexpected)
	}
	req.Header.Set(headerContentType, "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("chat request failed", "host", c.host, "err", err)
		return llm.Failed(llm.FailureUnexpected)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.log.Error("ollama api error", "status", resp.StatusCode, "body", truncate(string(respBytes), errorSnippetLimit))
		return llm.Failed(llm.FailureResponse)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBytes, &chat); err != nil {
		c.log.Error("parse chat response", "err", err)
		return llm.Failed(llm.FailureResponse)
	}
	text, ok := chat.Message.textContent()
	if !ok {
		c.log.Error("response content missing or not a string", "body", truncate(string(respBytes), errorSnippetLimit))
		return llm.Failed(llm.FailureResponse)
	}
	return llm.Success(strings.TrimSpace(text))
}

// encodeImage reads the file and base64-encodes it for transport. Failures are
// soft: the caller gets ok=false and no request is sent.
func (c *Client) encodeImage(path string) (string, bool) {
	data, err := os.ReadFile(path) // #nosec G304 - path is caller supplied by contract
	if err != nil {
		c.log.Error("read image", "path", path, "err", err)
		return "", false
	}
	return base64.StdEncoding.EncodeToString(data), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Ollama API request/response types

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64-encoded image payloads
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Model   string          `json:"model"`
	Message responseMessage `json:"message"`
	Done    bool            `json:"done"`
}

type responseMessage struct {
	Role string `json:"role"`
	// Content stays raw so a missing or non-string value can be told apart
	// from a present one before use.
	Content json.RawMessage `json:"content"`
}

// textContent returns the message content if it is a present, non-empty JSON string.
func (m responseMessage) textContent() (string, bool) {
	if len(m.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	if s == "" {
		return "", false
	}
	return s, true
}

type tagsResponse struct {
	Models []modelInfo `json:"models"`
}

type modelInfo struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModifiedAt string `json:"modified_at"`
}
