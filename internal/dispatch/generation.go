package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/klimentij/nerdprompt/internal/errors"
)

// GenerationDetail holds the post-hoc accounting for one completion.
type GenerationDetail struct {
	TotalCost float64
}

// DetailFetcher retrieves generation cost details, retrying while the
// record is still materializing server-side. Results are cached by
// generation ID so concurrent jobs sharing an ID pay one fetch.
type DetailFetcher struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client

	// RetryBase scales the backoff between attempts. Tests shrink it.
	RetryBase time.Duration

	mu    sync.Mutex
	cache map[string]*GenerationDetail
}

// NewDetailFetcher creates a fetcher against the default endpoint.
func NewDetailFetcher(apiKey string) *DetailFetcher {
	return &DetailFetcher{
		APIKey:     apiKey,
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		RetryBase:  time.Second,
		cache:      make(map[string]*GenerationDetail),
	}
}

// Fetch returns the generation detail for id, retrying up to three times
// when the record is not yet visible (HTTP 404). Backoff between attempts
// is RetryBase then 2*RetryBase. Any other non-200 status is terminal.
func (f *DetailFetcher) Fetch(ctx context.Context, id string) (*GenerationDetail, error) {
	if id == "" {
		return nil, errors.NewEnrichmentFailed(id, fmt.Errorf("no generation id"))
	}

	f.mu.Lock()
	if detail, ok := f.cache[id]; ok {
		f.mu.Unlock()
		return detail, nil
	}
	f.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			backoff := f.RetryBase * time.Duration(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, errors.NewEnrichmentFailed(id, ctx.Err())
			}
		}

		detail, retry, err := f.fetchOnce(ctx, id)
		if err == nil {
			f.mu.Lock()
			f.cache[id] = detail
			f.mu.Unlock()
			return detail, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, errors.NewEnrichmentFailed(id, lastErr)
}

func (f *DetailFetcher) fetchOnce(ctx context.Context, id string) (*GenerationDetail, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/generation?id="+id, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+f.APIKey)

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, true, fmt.Errorf("generation not found yet")
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Data struct {
			TotalCost *float64 `json:"total_cost"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("malformed generation detail: %w", err)
	}
	if parsed.Data.TotalCost == nil {
		return nil, false, fmt.Errorf("detail has no total_cost")
	}
	return &GenerationDetail{TotalCost: *parsed.Data.TotalCost}, false, nil
}
