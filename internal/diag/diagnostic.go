package diag

// Severity orders diagnostics; a build fails once an error is reported.
type Severity uint8

const (
	SevInfo Severity = iota
	SevWarning
	SevError
)

var severityNames = [...]string{SevInfo: "info", SevWarning: "warning", SevError: "error"}

// String is the label printed in front of a diagnostic.
func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "unknown"
}

// MarshalText keeps JSON output in step with the printed label.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Note carries secondary context for a diagnostic, e.g. a native library
// the user has to link against or the captured output of a tool.
type Note struct {
	Msg string
}

type Diagnostic struct {
	Severity Severity
	Code     Code
	Message  string
	// Subject names the thing the diagnostic is about: a unit, an output
	// path or a tool. Empty when the message stands on its own.
	Subject string
	Notes   []Note
}
