package dispatch

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
)

// JobState is the per-backend dispatch state.
type JobState string

const (
	StateWaiting      JobState = "Waiting"
	StateQueued       JobState = "Queued"
	StateSending      JobState = "Sending"
	StateFetchingCost JobState = "FetchingCost"
	StateDone         JobState = "Done"
	StateError        JobState = "Error"
	StateManualInput  JobState = "ManualInput"
)

// Terminal reports whether a state is final.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateError || s == StateManualInput
}

// spinnerFrames animate in-flight jobs.
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// jobView is the renderer-owned view of one backend's progress. Only the
// renderer goroutine touches it.
type jobView struct {
	state     JobState
	startTime time.Time
	endTime   time.Time
	cost      float64
	costKnown bool
}

// renderer owns the status table. It consumes state-transition updates from
// the workers over a channel, so no status map is shared across goroutines.
type renderer struct {
	out          io.Writer
	views        map[string]*jobView
	linesPainted int
	frame        int
}

func newRenderer(out io.Writer, backends []string) *renderer {
	now := time.Now()
	views := make(map[string]*jobView, len(backends))
	for _, name := range backends {
		views[name] = &jobView{state: StateWaiting, startTime: now}
	}
	return &renderer{out: out, views: views}
}

// apply records a state transition.
func (r *renderer) apply(u update) {
	v, ok := r.views[u.model]
	if !ok {
		return
	}
	v.state = u.state
	if u.result != nil {
		v.endTime = time.Now()
		v.cost = u.result.Cost
		v.costKnown = u.result.CostKnown
	}
}

// paint redraws the status table in place: move the cursor up over the
// previous frame and clear each line.
func (r *renderer) paint() {
	if r.out == io.Discard {
		return
	}
	names := make([]string, 0, len(r.views))
	for name := range r.views {
		names = append(names, name)
	}
	sort.Strings(names)

	if r.linesPainted > 0 {
		fmt.Fprintf(r.out, "\033[%dA", r.linesPainted)
	}
	for _, name := range names {
		fmt.Fprintf(r.out, "\033[K%s\n", r.line(name))
	}
	r.linesPainted = len(names)
	r.frame++
}

// line formats one backend's status row.
func (r *renderer) line(name string) string {
	v := r.views[name]
	switch v.state {
	case StateDone:
		elapsed := v.endTime.Sub(v.startTime).Round(100 * time.Millisecond)
		cost := fmt.Sprintf("$%.6f", v.cost)
		if !v.costKnown {
			cost = "cost unknown"
		}
		return fmt.Sprintf("%s✅ %s%s %s(%s, %v)%s", colorGreen, name, colorReset, colorDim, cost, elapsed, colorReset)
	case StateError:
		elapsed := v.endTime.Sub(v.startTime).Round(100 * time.Millisecond)
		return fmt.Sprintf("%s❌ %s%s %s(%v)%s", colorRed, name, colorReset, colorDim, elapsed, colorReset)
	case StateManualInput:
		return fmt.Sprintf("%s✏️ %s%s pending manual input", colorYellow, name, colorReset)
	default:
		spinner := spinnerFrames[r.frame%len(spinnerFrames)]
		elapsed := time.Since(v.startTime).Round(100 * time.Millisecond)
		return fmt.Sprintf("%s%s %s%s %s%s (%v)%s", colorBlue, spinner, name, colorReset, colorDim, v.state, elapsed, colorReset)
	}
}
