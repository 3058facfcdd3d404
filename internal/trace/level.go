package trace

import (
	"fmt"
	"strings"
)

// Level controls tracing verbosity.
type Level uint8

const (
	LevelOff    Level = iota // no tracing
	LevelError               // failed tool invocations and crash dumps only
	LevelPhase               // driver + stage boundaries
	LevelDetail              // per-unit events
	LevelDebug               // everything including tool invocations
)

var levelNames = [...]string{
	LevelOff:    "off",
	LevelError:  "error",
	LevelPhase:  "phase",
	LevelDetail: "detail",
	LevelDebug:  "debug",
}

// deepest scope each level lets through; zero admits nothing
var levelScope = [...]Scope{
	LevelPhase:  ScopeStage,
	LevelDetail: ScopeUnit,
	LevelDebug:  ScopeCommand,
}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// ParseLevel converts a flag value to a Level.
func ParseLevel(s string) (Level, error) {
	want := strings.ToLower(s)
	for l, name := range levelNames {
		if name == want {
			return Level(l), nil
		}
	}
	return LevelOff, fmt.Errorf("invalid trace level: %q (expected: %s)", s, strings.Join(levelNames[:], "|"))
}

// ShouldEmit reports whether spans of scope are traced at this level.
func (l Level) ShouldEmit(scope Scope) bool {
	if int(l) >= len(levelScope) {
		return false
	}
	return scope <= levelScope[l]
}

// admit decides whether a sink records ev. Heartbeats always pass; a
// failed command passes at every level but off so that `--trace-level
// error` still names the tool that broke the build.
func admit(l Level, ev *Event) bool {
	switch {
	case l == LevelOff:
		return false
	case ev.Kind == KindHeartbeat:
		return true
	case ev.Failed():
		return true
	}
	return l.ShouldEmit(ev.Scope)
}
