// Package observ times the passes of a build for --timings and
// -C time-passes.
package observ

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Phase is one timed call. The same name recurs once per codegen unit.
type Phase struct {
	Name   string
	Dur    time.Duration
	Failed bool
}

// Timer collects phases from several codegen workers at once. A nil
// *Timer is valid and records nothing.
type Timer struct {
	mu     sync.Mutex
	phases []Phase
}

func NewTimer() *Timer { return &Timer{} }

// Time runs fn and records how long it took under name.
func (t *Timer) Time(name string, fn func() error) error {
	if t == nil {
		return fn()
	}
	start := time.Now()
	err := fn()
	p := Phase{Name: name, Dur: time.Since(start), Failed: err != nil}

	t.mu.Lock()
	t.phases = append(t.phases, p)
	t.mu.Unlock()
	return err
}

func (t *Timer) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.phases)
}

// PhaseReport aggregates the calls of one phase name.
type PhaseReport struct {
	Name       string  `json:"name"`
	Calls      int     `json:"calls"`
	DurationMS float64 `json:"duration_ms"`
	MaxMS      float64 `json:"max_ms"`
	Failed     int     `json:"failed,omitempty"`
}

type Report struct {
	TotalMS float64       `json:"total_ms"`
	Phases  []PhaseReport `json:"phases"`
}

// Report folds phases by name in order of first appearance. TotalMS is
// summed across workers, so it can exceed wall time.
func (t *Timer) Report() Report {
	var rep Report
	if t == nil {
		return rep
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	index := make(map[string]int)
	for _, p := range t.phases {
		i, ok := index[p.Name]
		if !ok {
			i = len(rep.Phases)
			index[p.Name] = i
			rep.Phases = append(rep.Phases, PhaseReport{Name: p.Name})
		}
		ms := millis(p.Dur)
		pr := &rep.Phases[i]
		pr.Calls++
		pr.DurationMS += ms
		pr.MaxMS = max(pr.MaxMS, ms)
		if p.Failed {
			pr.Failed++
		}
		rep.TotalMS += ms
	}
	return rep
}

// Summary renders Report as the time-passes table.
func (t *Timer) Summary() string {
	rep := t.Report()
	var b strings.Builder
	b.WriteString("timings:\n")
	for _, p := range rep.Phases {
		fmt.Fprintf(&b, "  %-28s %9.2f ms", p.Name, p.DurationMS)
		if p.Calls > 1 {
			fmt.Fprintf(&b, "  x%d, max %.2f ms", p.Calls, p.MaxMS)
		}
		if p.Failed > 0 {
			fmt.Fprintf(&b, "  // %d failed", p.Failed)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "  %-28s %9.2f ms\n", "total", rep.TotalMS)
	return b.String()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
