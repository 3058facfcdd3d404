package buildpipeline

import "time"

// Stage describes a high-level pipeline phase.
type Stage string

const (
	// StageLoad reads the crate's units from disk.
	StageLoad Stage = "load"
	// StageCodegen optimizes and emits every unit.
	StageCodegen Stage = "codegen"
	// StageLink produces the crate artifacts.
	StageLink Stage = "link"
)

// Status captures progress state within a stage.
type Status string

const (
	// StatusQueued indicates the task is waiting to start.
	StatusQueued Status = "queued"
	// StatusWorking indicates the task is currently working.
	StatusWorking Status = "working"
	// StatusDone indicates the task is done.
	StatusDone Status = "done"
	// StatusError indicates the task encountered an error.
	StatusError Status = "error"
)

// Event reports progress for a unit (or for the overall pipeline when Unit is empty).
type Event struct {
	Unit    string
	Stage   Stage
	Status  Status
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events. OnEvent is called from the build
// goroutine and from codegen workers.
type ProgressSink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into Ch until Done is closed. A consumer
// that stops reading (a progress UI the user quit) closes Done so the
// build does not block on a full channel.
type ChannelSink struct {
	Ch   chan<- Event
	Done <-chan struct{}
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	select {
	case s.Ch <- evt:
	case <-s.Done:
	}
}

// Timings records how long each stage of one build took. The zero value
// is ready to use.
type Timings struct {
	stages map[Stage]time.Duration
}

func (t *Timings) Set(stage Stage, dur time.Duration) {
	if t.stages == nil {
		t.stages = make(map[Stage]time.Duration, 3)
	}
	t.stages[stage] = dur
}

// Has reports whether stage ran; a build that fails in codegen has no
// link timing.
func (t Timings) Has(stage Stage) bool {
	_, ok := t.stages[stage]
	return ok
}

func (t Timings) Duration(stage Stage) time.Duration { return t.stages[stage] }

// Sum adds the durations of stages, counting missing ones as zero.
func (t Timings) Sum(stages ...Stage) time.Duration {
	var total time.Duration
	for _, st := range stages {
		total += t.stages[st]
	}
	return total
}
