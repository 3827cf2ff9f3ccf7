package dispatch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/klimentij/nerdprompt/internal/errors"
)

// numWorkers bounds concurrent backend requests.
const numWorkers = 5

// JobResult is the terminal outcome of one backend dispatch.
type JobResult struct {
	Model        string
	Remote       bool
	State        JobState
	Content      string
	Err          error
	Cost         float64
	CostKnown    bool
	GenerationID string
	Elapsed      time.Duration
}

// Summary aggregates a full dispatch run. TotalCost sums only the jobs
// whose cost is known.
type Summary struct {
	TotalCost float64
	Jobs      []JobResult
}

// update is a state transition sent from a worker to the renderer. result
// is nil for intermediate transitions.
type update struct {
	model  string
	state  JobState
	result *JobResult
}

// ResponseWriter persists one backend's response body.
type ResponseWriter interface {
	WriteResponse(llm, content string) error
}

// Engine fans a prompt out to the configured backends. Names containing a
// slash are remote model identifiers; anything else is a manual backend
// that only gets a placeholder file.
type Engine struct {
	Client    *Client
	Fetcher   *DetailFetcher
	Out       io.Writer
	Overrides map[string]map[string]any
	Warnf     func(format string, args ...any)

	// TickInterval drives the live repaint loop. Tests shrink it.
	TickInterval time.Duration
}

// NewEngine wires an engine over an authenticated client. apiKey may be
// empty, in which case every remote backend fails without a request.
func NewEngine(apiKey string, out io.Writer, overrides map[string]map[string]any, warnf func(string, ...any)) *Engine {
	if warnf == nil {
		warnf = func(string, ...any) {}
	}
	var client *Client
	var fetcher *DetailFetcher
	if apiKey != "" {
		client = NewClient(apiKey)
		fetcher = NewDetailFetcher(apiKey)
	}
	return &Engine{
		Client:       client,
		Fetcher:      fetcher,
		Out:          out,
		Overrides:    overrides,
		Warnf:        warnf,
		TickInterval: 100 * time.Millisecond,
	}
}

// IsRemote reports whether a backend name addresses a hosted model.
func IsRemote(name string) bool {
	return strings.Contains(name, "/")
}

// Process dispatches the prompt to every backend and writes each response
// file through w. One backend failing never aborts the others.
func (e *Engine) Process(ctx context.Context, backends []string, prompt string, w ResponseWriter) Summary {
	if len(backends) == 0 {
		return Summary{}
	}

	updates := make(chan update, len(backends)*8)
	done := make(chan Summary, 1)
	go e.aggregate(backends, updates, done)

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for model := range jobs {
				e.runJob(ctx, model, prompt, w, updates)
			}
		}()
	}
	for _, model := range backends {
		jobs <- model
	}
	close(jobs)
	wg.Wait()
	close(updates)

	return <-done
}

// aggregate is the single goroutine that owns the status views. It applies
// worker updates, repaints on a ticker, and collects terminal results.
func (e *Engine) aggregate(backends []string, updates <-chan update, done chan<- Summary) {
	r := newRenderer(e.Out, backends)
	ticker := time.NewTicker(e.TickInterval)
	defer ticker.Stop()

	var summary Summary
	r.paint()
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				r.paint()
				done <- summary
				return
			}
			r.apply(u)
			if u.result != nil {
				summary.Jobs = append(summary.Jobs, *u.result)
				if u.result.CostKnown {
					summary.TotalCost += u.result.Cost
				}
			}
		case <-ticker.C:
			r.paint()
		}
	}
}

// runJob executes one backend dispatch end to end.
func (e *Engine) runJob(ctx context.Context, model, prompt string, w ResponseWriter, updates chan<- update) {
	start := time.Now()

	if !IsRemote(model) {
		result := &JobResult{Model: model, State: StateManualInput}
		if err := w.WriteResponse(model, manualPlaceholder(model)); err != nil {
			e.Warnf("could not write placeholder for %s: %v", model, err)
		}
		updates <- update{model: model, state: StateManualInput, result: result}
		return
	}

	updates <- update{model: model, state: StateQueued}

	if e.Client == nil {
		err := errors.NewAPIKeyMissing()
		e.finishError(model, start, err, w, updates)
		return
	}

	updates <- update{model: model, state: StateSending}

	req := e.buildRequest(model, prompt)
	completion, err := e.Client.Complete(ctx, req)
	if err != nil {
		e.finishError(model, start, err, w, updates)
		return
	}

	cost, costKnown := e.resolveCost(ctx, model, completion, updates)

	result := &JobResult{
		Model:        model,
		Remote:       true,
		State:        StateDone,
		Content:      completion.Text,
		Cost:         cost,
		CostKnown:    costKnown,
		GenerationID: completion.GenerationID,
		Elapsed:      time.Since(start),
	}
	if err := w.WriteResponse(model, completion.Text); err != nil {
		e.Warnf("could not write response for %s: %v", model, err)
	}
	updates <- update{model: model, state: StateDone, result: result}
}

// buildRequest merges the configured per-model overrides onto the defaults.
func (e *Engine) buildRequest(model, prompt string) ChatRequest {
	req := ChatRequest{
		Model:       model,
		Prompt:      prompt,
		Temperature: DefaultTemperature,
		Timeout:     DefaultAPITimeout,
		Extra:       map[string]any{},
	}
	for k, v := range e.Overrides[model] {
		switch k {
		case "temperature":
			if f, ok := toFloat(v); ok {
				req.Temperature = f
				continue
			}
		case "timeout":
			if f, ok := toFloat(v); ok {
				req.Timeout = int(f)
				continue
			}
		}
		req.Extra[k] = v
	}
	return req
}

// resolveCost determines the run cost for one completion:
//  1. models tagged ":free" cost nothing
//  2. enrichment via the generation detail endpoint
//  3. a bare numeric usage field from the completion itself
//
// Anything else leaves the cost unknown. A structured usage object is
// never interpreted as a dollar amount.
func (e *Engine) resolveCost(ctx context.Context, model string, completion *Completion, updates chan<- update) (float64, bool) {
	if strings.Contains(model, ":free") {
		return 0, true
	}
	if e.Fetcher != nil && completion.GenerationID != "" {
		updates <- update{model: model, state: StateFetchingCost}
		detail, err := e.Fetcher.Fetch(ctx, completion.GenerationID)
		if err == nil {
			return detail.TotalCost, true
		}
		e.Warnf("cost lookup failed for %s: %v", model, err)
	}
	if completion.HasScalarUsage {
		return completion.ScalarUsage, true
	}
	return 0, false
}

func (e *Engine) finishError(model string, start time.Time, err error, w ResponseWriter, updates chan<- update) {
	result := &JobResult{
		Model:   model,
		Remote:  true,
		State:   StateError,
		Err:     err,
		Elapsed: time.Since(start),
	}
	if werr := w.WriteResponse(model, errorFileContent(model, err)); werr != nil {
		e.Warnf("could not write error file for %s: %v", model, werr)
	}
	updates <- update{model: model, state: StateError, result: result}
}

func manualPlaceholder(model string) string {
	return fmt.Sprintf("# Response from %s\n\n*(Paste the model's response here.)*\n", model)
}

func errorFileContent(model string, err error) string {
	return fmt.Sprintf("# ERROR: Failed to get response from %s\n\n**Timestamp:** %s\n**Error Details:**\n%v\n",
		model, time.Now().UTC().Format(time.RFC3339), err)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
