package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klimentij/nerdprompt/internal/errors"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

const (
	// requestTimeout is the hard wall-clock bound on one HTTP request.
	requestTimeout = 120 * time.Second

	// DefaultAPITimeout is the timeout knob sent to the backend in the
	// request body. Independent of requestTimeout.
	DefaultAPITimeout = 60

	// DefaultTemperature applies when no override is given.
	DefaultTemperature = 1.0
)

// ChatRequest is the typed base request for one backend call. Extra carries
// arbitrary scalar overrides merged into the body last, so overrides win.
type ChatRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	Timeout     int
	Extra       map[string]any
}

// Completion is the normalized view of a chat completion response. Provider
// response shapes vary, so all extraction goes through normalizeCompletion.
type Completion struct {
	Text         string
	GenerationID string
	// ScalarUsage is set when the usage field was a bare number, which is
	// taken directly as the cost. A structured usage object sets
	// StructuredUsage instead and leaves the cost unknown.
	ScalarUsage     float64
	HasScalarUsage  bool
	StructuredUsage bool
}

// Client issues chat completion requests against an OpenRouter-compatible
// endpoint.
type Client struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a Client with the default endpoint and hard timeout.
func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:     apiKey,
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{Timeout: requestTimeout},
	}
}

// Complete sends one chat completion request and returns the normalized
// response. The request context carries the hard wall-clock timeout.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*Completion, error) {
	body := map[string]any{
		"model":       req.Model,
		"messages":    []map[string]string{{"role": "user", "content": req.Prompt}},
		"temperature": req.Temperature,
		"timeout":     req.Timeout,
	}
	for k, v := range req.Extra {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Title", "nerd-prompt")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewRequestFailed(req.Model, fmt.Sprintf("request timed out after %v", requestTimeout), "")
		}
		return nil, errors.NewRequestFailed(req.Model, err.Error(), "")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewRequestFailed(req.Model, err.Error(), "")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.NewRequestFailed(req.Model, fmt.Sprintf("HTTP %d", resp.StatusCode), string(data))
	}

	completion, err := normalizeCompletion(data)
	if err != nil {
		return nil, errors.NewRequestFailed(req.Model, err.Error(), string(data))
	}
	if completion.Text == "" {
		return nil, errors.NewEmptyResponse(req.Model)
	}
	return completion, nil
}

// chatResponse mirrors the subset of the completion payload we read.
type chatResponse struct {
	ID           string `json:"id"`
	GenerationID string `json:"generation_id"`
	Choices      []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

// normalizeCompletion maps a raw completion body to a Completion. The
// generation identifier is resolved by an ordered list of attempts:
//  1. the top-level "id" field
//  2. the top-level "generation_id" field
//
// Usage is classified as a bare number (usable directly as cost) or a
// structured object (cost unknown without enrichment).
func normalizeCompletion(body []byte) (*Completion, error) {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("malformed response body: %w", err)
	}

	completion := &Completion{}
	if len(parsed.Choices) > 0 {
		completion.Text = parsed.Choices[0].Message.Content
	}

	completion.GenerationID = parsed.ID
	if completion.GenerationID == "" {
		completion.GenerationID = parsed.GenerationID
	}

	if len(parsed.Usage) > 0 {
		var scalar float64
		if err := json.Unmarshal(parsed.Usage, &scalar); err == nil {
			completion.ScalarUsage = scalar
			completion.HasScalarUsage = true
		} else {
			var structured map[string]any
			if err := json.Unmarshal(parsed.Usage, &structured); err == nil {
				completion.StructuredUsage = true
			}
		}
	}
	return completion, nil
}
