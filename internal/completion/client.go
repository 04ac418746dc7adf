// ABOUTME: HTTP client for OpenAI-compatible chat completion APIs (OpenAI and Azure OpenAI)
// ABOUTME: Supports single-shot completions and SSE token streaming

package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-rag/internal/turns"
)

// ErrContentFiltered is returned when the upstream model refuses the prompt or
// the generated answer on content policy grounds.
var ErrContentFiltered = errors.New("content filtered")

// APIError is a non-2xx response from the completion API.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("completion API %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("completion API %d: %s", e.StatusCode, e.Message)
}

// Request is a chat completion call.
type Request struct {
	Messages    []turns.Completion
	Temperature *float64
	MaxTokens   int
	Stop        []string
}

// Response is the first choice of a non-streamed completion.
type Response struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Usage reports token accounting when the API provides it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one streamed increment. A chunk with Err set is the last one sent.
type Chunk struct {
	Delta        string
	FinishReason string
	Err          error
}

// Completer produces a single completion.
type Completer interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Streamer produces a completion as a stream of chunks.
// The channel is closed when the stream ends, fails or ctx is cancelled.
type Streamer interface {
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Config configures a Client.
type Config struct {
	// BaseURL is https://api.openai.com/v1 for OpenAI or the resource
	// endpoint (https://<name>.openai.azure.com) for Azure.
	BaseURL string
	APIKey  string
	// Model is the model name, or the deployment name on Azure.
	Model string
	// APIVersion switches the client to Azure OpenAI request shapes.
	APIVersion string
	// Timeout bounds non-streamed calls. Zero means no timeout.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a completion client. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   hc,
		logger: logger.With("component", "completion"),
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *Client) endpoint() string {
	if c.cfg.APIVersion != "" {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			c.cfg.BaseURL, url.PathEscape(c.cfg.Model), url.QueryEscape(c.cfg.APIVersion))
	}
	return c.cfg.BaseURL + "/chat/completions"
}

func (c *Client) newHTTPRequest(ctx context.Context, req *Request, stream bool) (*http.Request, error) {
	body := wireRequest{
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if c.cfg.APIVersion == "" {
		body.Model = c.cfg.Model
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		if c.cfg.APIVersion != "" {
			httpReq.Header.Set("api-key", c.cfg.APIKey)
		} else {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

// Complete sends a non-streamed completion request and returns the first choice.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := c.newHTTPRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling completion API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, decodeAPIError(resp)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("decoding completion response: %w", err)
	}
	if len(wr.Choices) == 0 {
		return nil, errors.New("completion response has no choices")
	}

	choice := wr.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, ErrContentFiltered
	}

	c.logger.Debug("completion finished",
		"duration", time.Since(start),
		"finish_reason", choice.FinishReason,
		"total_tokens", wr.Usage.TotalTokens)

	return &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        wr.Usage,
	}, nil
}

// Stream sends a streamed completion request. Errors before the first byte of
// the stream are returned directly; later failures arrive as a final Chunk.
func (c *Client) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	httpReq, err := c.newHTTPRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling completion API: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		send := func(ch Chunk) bool {
			select {
			case out <- ch:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var wr wireResponse
			if err := json.Unmarshal([]byte(data), &wr); err != nil {
				send(Chunk{Err: fmt.Errorf("decoding stream chunk: %w", err)})
				return
			}
			if len(wr.Choices) == 0 {
				continue
			}

			choice := wr.Choices[0]
			if choice.FinishReason == "content_filter" {
				send(Chunk{Err: ErrContentFiltered})
				return
			}
			if choice.Delta.Content == "" && choice.FinishReason == "" {
				continue
			}
			if !send(Chunk{Delta: choice.Delta.Content, FinishReason: choice.FinishReason}) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(Chunk{Err: fmt.Errorf("reading stream: %w", err)})
		}
	}()

	return out, nil
}

// decodeAPIError turns an error response into an *APIError, or
// ErrContentFiltered when the API reports a content filter hit.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var we wireError
	if json.Unmarshal(raw, &we) == nil && we.Error.Message != "" {
		apiErr.Message = we.Error.Message
		apiErr.Type = we.Error.Type
		if code, ok := we.Error.Code.(string); ok {
			apiErr.Code = code
		}
	}

	if apiErr.Code == "content_filter" {
		return fmt.Errorf("%w: %s", ErrContentFiltered, apiErr.Message)
	}
	return apiErr
}

// Float returns a pointer to f, for Request.Temperature.
func Float(f float64) *float64 {
	return &f
}

var (
	_ Completer = (*Client)(nil)
	_ Streamer  = (*Client)(nil)
)
