package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memWriter records responses in memory.
type memWriter struct {
	mu        sync.Mutex
	responses map[string]string
}

func newMemWriter() *memWriter {
	return &memWriter{responses: map[string]string{}}
}

func (m *memWriter) WriteResponse(llm, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[llm] = content
	return nil
}

func (m *memWriter) get(llm string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responses[llm]
}

// newTestEngine points an engine at the given server for both completions
// and generation details.
func newTestEngine(srvURL string) *Engine {
	e := NewEngine("sk-test", io.Discard, nil, nil)
	e.Client.BaseURL = srvURL
	e.Fetcher.BaseURL = srvURL
	e.Fetcher.RetryBase = time.Millisecond
	e.TickInterval = 5 * time.Millisecond
	return e
}

// completionsAndDetails serves both endpoints: completions return the given
// body, generation lookups the given cost.
func completionsAndDetails(t *testing.T, completionBody string, cost string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "generation") {
			w.Write([]byte(`{"data":{"total_cost":` + cost + `}}`))
			return
		}
		w.Write([]byte(completionBody))
	}))
}

func TestIsRemote(t *testing.T) {
	if !IsRemote("openai/gpt-4o") {
		t.Error("slash name should be remote")
	}
	if IsRemote("my-notes") {
		t.Error("plain name should be manual")
	}
}

func TestProcess_RemoteHappyPath(t *testing.T) {
	srv := completionsAndDetails(t, `{"id":"gen-1","choices":[{"message":{"content":"the answer"}}]}`, "0.003")
	defer srv.Close()

	e := newTestEngine(srv.URL)
	w := newMemWriter()
	summary := e.Process(context.Background(), []string{"test/model"}, "prompt", w)

	require.Len(t, summary.Jobs, 1)
	job := summary.Jobs[0]
	require.Equal(t, StateDone, job.State)
	require.Equal(t, "the answer", job.Content)
	require.True(t, job.CostKnown)
	require.InDelta(t, 0.003, job.Cost, 1e-9)
	require.InDelta(t, 0.003, summary.TotalCost, 1e-9)
	require.Equal(t, "the answer", w.get("test/model"))
}

func TestProcess_ManualBackend(t *testing.T) {
	e := NewEngine("", io.Discard, nil, nil)
	e.TickInterval = 5 * time.Millisecond
	w := newMemWriter()
	summary := e.Process(context.Background(), []string{"colleague-review"}, "prompt", w)

	require.Len(t, summary.Jobs, 1)
	require.Equal(t, StateManualInput, summary.Jobs[0].State)
	require.Contains(t, w.get("colleague-review"), "Paste the model's response here")
	require.Zero(t, summary.TotalCost)
}

func TestProcess_MissingKeyFailsRemoteOnly(t *testing.T) {
	e := NewEngine("", io.Discard, nil, nil)
	e.TickInterval = 5 * time.Millisecond
	w := newMemWriter()
	summary := e.Process(context.Background(), []string{"test/model", "manual"}, "prompt", w)

	states := map[string]JobState{}
	for _, job := range summary.Jobs {
		states[job.Model] = job.State
	}
	require.Equal(t, StateError, states["test/model"])
	require.Equal(t, StateManualInput, states["manual"])
	require.Contains(t, w.get("test/model"), "# ERROR: Failed to get response from test/model")
	require.Contains(t, w.get("test/model"), "API key not configured")
}

func TestProcess_FailureIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "generation") {
			w.Write([]byte(`{"data":{"total_cost":0.001}}`))
			return
		}
		var body map[string]any
		decodeJSONBody(t, r, &body)
		if body["model"] == "test/bad" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"id":"gen-ok","choices":[{"message":{"content":"fine"}}]}`))
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	w := newMemWriter()
	summary := e.Process(context.Background(), []string{"test/bad", "test/good"}, "p", w)

	states := map[string]JobState{}
	for _, job := range summary.Jobs {
		states[job.Model] = job.State
	}
	require.Equal(t, StateError, states["test/bad"])
	require.Equal(t, StateDone, states["test/good"])
	require.Equal(t, "fine", w.get("test/good"))
}

func TestProcess_TimeoutIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "generation") {
			w.Write([]byte(`{"data":{"total_cost":0.001}}`))
			return
		}
		var body map[string]any
		decodeJSONBody(t, r, &body)
		if body["model"] == "test/slow" {
			// Stall until the client gives up and drops the connection.
			<-r.Context().Done()
			return
		}
		w.Write([]byte(`{"id":"gen-ok","choices":[{"message":{"content":"fine"}}]}`))
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	e.Client.HTTPClient.Timeout = 150 * time.Millisecond
	w := newMemWriter()
	summary := e.Process(context.Background(), []string{"test/slow", "test/fast"}, "p", w)

	states := map[string]JobState{}
	for _, job := range summary.Jobs {
		states[job.Model] = job.State
	}
	require.Equal(t, StateError, states["test/slow"])
	require.Equal(t, StateDone, states["test/fast"])
	require.Contains(t, w.get("test/slow"), "# ERROR: Failed to get response from test/slow")
	require.Equal(t, "fine", w.get("test/fast"))
}

func TestProcess_FreeModelCostsNothing(t *testing.T) {
	var hitGeneration atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "generation") {
			hitGeneration.Store(true)
			w.Write([]byte(`{"data":{"total_cost":99}}`))
			return
		}
		w.Write([]byte(`{"id":"gen-f","choices":[{"message":{"content":"gratis"}}]}`))
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	summary := e.Process(context.Background(), []string{"test/model:free"}, "p", newMemWriter())

	require.Len(t, summary.Jobs, 1)
	require.True(t, summary.Jobs[0].CostKnown)
	require.Zero(t, summary.Jobs[0].Cost)
	require.Zero(t, summary.TotalCost)
	require.False(t, hitGeneration.Load(), "free models never need a cost lookup")
}

func TestProcess_ScalarUsageFallback(t *testing.T) {
	// No generation id, so enrichment is impossible; the scalar usage field
	// supplies the cost.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"usage":0.0077,"choices":[{"message":{"content":"x"}}]}`))
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	summary := e.Process(context.Background(), []string{"test/model"}, "p", newMemWriter())

	require.Len(t, summary.Jobs, 1)
	require.True(t, summary.Jobs[0].CostKnown)
	require.InDelta(t, 0.0077, summary.Jobs[0].Cost, 1e-9)
}

func TestProcess_StructuredUsageStaysUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "generation") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"id":"gen-u","usage":{"prompt_tokens":10},"choices":[{"message":{"content":"x"}}]}`))
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	summary := e.Process(context.Background(), []string{"test/model"}, "p", newMemWriter())

	require.Len(t, summary.Jobs, 1)
	job := summary.Jobs[0]
	require.Equal(t, StateDone, job.State)
	require.False(t, job.CostKnown, "a structured usage object is never a dollar amount")
	require.Zero(t, summary.TotalCost)
}

func TestProcess_Overrides(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "generation") {
			w.Write([]byte(`{"data":{"total_cost":0}}`))
			return
		}
		decodeJSONBody(t, r, &gotBody)
		w.Write([]byte(`{"id":"g","choices":[{"message":{"content":"x"}}]}`))
	}))
	defer srv.Close()

	e := NewEngine("k", io.Discard, map[string]map[string]any{
		"test/model": {"temperature": 0.1, "max_tokens": 256},
	}, nil)
	e.Client.BaseURL = srv.URL
	e.Fetcher.BaseURL = srv.URL
	e.Fetcher.RetryBase = time.Millisecond
	e.TickInterval = 5 * time.Millisecond

	e.Process(context.Background(), []string{"test/model"}, "p", newMemWriter())

	require.Equal(t, 0.1, gotBody["temperature"])
	require.Equal(t, 256.0, gotBody["max_tokens"])
}

func TestProcess_EmptyBackendList(t *testing.T) {
	e := NewEngine("", io.Discard, nil, nil)
	summary := e.Process(context.Background(), nil, "p", newMemWriter())
	require.Empty(t, summary.Jobs)
	require.Zero(t, summary.TotalCost)
}
