package diag

import "sync"

// Sink is a Reporter that many goroutines may write to at once.
// Records are kept in arrival order and handed to a single-threaded
// Reporter by Drain once the writers have finished.
type Sink struct {
	mu    sync.Mutex
	items []Diagnostic
}

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) Report(code Code, sev Severity, subject, msg string, notes []Note) {
	s.mu.Lock()
	s.items = append(s.items, Diagnostic{
		Severity: sev, Code: code, Message: msg,
		Subject: subject, Notes: notes,
	})
	s.mu.Unlock()
}

// Len reports how many diagnostics are buffered.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// HasErrors reports whether any buffered diagnostic is an error.
func (s *Sink) HasErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].Severity >= SevError {
			return true
		}
	}
	return false
}

// Drain replays every buffered diagnostic into r in FIFO order and empties
// the sink. It returns the number of errors replayed.
func (s *Sink) Drain(r Reporter) int {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.mu.Unlock()

	errs := 0
	for _, d := range items {
		if d.Severity >= SevError {
			errs++
		}
		Replay(r, d)
	}
	return errs
}

// Forwarder is a per-worker handle onto a Sink. It tags every record with
// the worker's current subject so interleaved output stays attributable.
type Forwarder struct {
	sink    *Sink
	subject string
}

func (s *Sink) Forwarder(subject string) *Forwarder {
	return &Forwarder{sink: s, subject: subject}
}

func (f *Forwarder) Report(code Code, sev Severity, subject, msg string, notes []Note) {
	if subject == "" {
		subject = f.subject
	}
	f.sink.Report(code, sev, subject, msg, notes)
}
