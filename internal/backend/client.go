package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	backendHost = "127.0.0.1"

	// FallbackReply replaces a completion whose payload carries no content.
	FallbackReply = "I apologize, but I encountered an error generating a response."

	healthRequestTimeout = 2 * time.Second
)

// completionRequest is the fixed sampling profile sent with every prompt.
type completionRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Stop          []string `json:"stop"`
}

func newCompletionRequest(prompt string) completionRequest {
	return completionRequest{
		Prompt:        prompt,
		NPredict:      512,
		Temperature:   0.7,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.1,
		Stop:          []string{"Human:", "User:", "\n\n"},
	}
}

// completionResponse keeps content raw so that an absent or non-string value
// can fall back instead of failing the turn.
type completionResponse struct {
	Content json.RawMessage `json:"content"`
}

func (r completionResponse) text() (string, bool) {
	if len(r.Content) == 0 || bytes.Equal(bytes.TrimSpace(r.Content), []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(r.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// client talks to llama-server's native endpoints through the OpenAI SDK's
// generic request helpers. Retries are disabled: a failed completion is
// surfaced, never resubmitted.
type client struct {
	baseURL string
	oc      openai.Client
}

func newClient(port int) *client {
	base := fmt.Sprintf("http://%s:%d/", backendHost, port)
	return &client{
		baseURL: base,
		oc: openai.NewClient(
			option.WithBaseURL(base),
			// llama-server runs without --api-key; the SDK still wants one.
			option.WithAPIKey("sk-no-key-required"),
			option.WithMaxRetries(0),
		),
	}
}

// healthy reports whether GET /health answered with a 2xx status.
func (c *client) healthy(ctx context.Context) bool {
	var res *http.Response
	err := c.oc.Get(ctx, "health", nil, nil,
		option.WithResponseInto(&res),
		option.WithRequestTimeout(healthRequestTimeout),
	)
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
	if err != nil || res == nil {
		return false
	}
	return res.StatusCode >= 200 && res.StatusCode < 300
}

func (c *client) complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	opts := []option.RequestOption{}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}

	var raw []byte
	if err := c.oc.Post(ctx, "completion", newCompletionRequest(prompt), &raw, opts...); err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &BackendError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", &BackendError{Err: err}
	}

	var resp completionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &BackendError{Err: fmt.Errorf("parse completion response: %w", err)}
	}
	text, ok := resp.text()
	if !ok {
		return FallbackReply, nil
	}
	return strings.TrimSpace(text), nil
}
