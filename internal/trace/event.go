package trace

import "time"

// Kind represents the type of trace event.
type Kind uint8

const (
	// KindSpanBegin marks the start of a logical operation.
	KindSpanBegin Kind = iota + 1
	// KindSpanEnd marks the end of a logical operation.
	KindSpanEnd
	// KindPoint represents an instant event.
	KindPoint
	KindHeartbeat // periodic liveness signal
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindSpanBegin:
		return "begin"
	case KindSpanEnd:
		return "end"
	case KindPoint:
		return "point"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Scope indicates the granularity level of the event.
// Lower numeric values represent higher-level/coarser events.
type Scope uint8

const (
	// ScopeDriver represents the highest level of operations.
	ScopeDriver Scope = iota + 1
	// ScopeStage represents build stages (optimize, codegen, archive, link).
	ScopeStage
	// ScopeUnit represents per-unit or per-artifact processing.
	ScopeUnit
	ScopeCommand // external tool invocations (most detailed)
)

// String returns the string representation of Scope.
func (s Scope) String() string {
	switch s {
	case ScopeDriver:
		return "driver"
	case ScopeStage:
		return "stage"
	case ScopeUnit:
		return "unit"
	case ScopeCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Extra keys with a fixed meaning.
const (
	// ExtraExit is the exit status of a command span: "0", the numeric
	// status, or "spawn" when the program never started.
	ExtraExit = "exit"
	// ExtraOpen counts spans still open when a heartbeat fires.
	ExtraOpen = "open"
	// ExtraInnermost names the most recently opened span still running.
	ExtraInnermost = "innermost"
)

// Event represents a single trace event.
type Event struct {
	Time     time.Time         // wall-clock timestamp
	Seq      uint64            // global sequence number (monotonic)
	Kind     Kind              // event kind
	Scope    Scope             // granularity level
	SpanID   uint64            // unique span identifier
	ParentID uint64            // parent span (0 if root)
	GID      uint64            // goroutine ID (for concurrent spans)
	Name     string            // e.g. "codegen", "unit:main.0", "cc"
	Detail   string            // optional detail message
	Extra    map[string]string // extensible key-value pairs
}

// Failed reports whether ev closes a command that exited unsuccessfully.
func (ev *Event) Failed() bool {
	if ev.Kind != KindSpanEnd {
		return false
	}
	exit, ok := ev.Extra[ExtraExit]
	return ok && exit != "0"
}
