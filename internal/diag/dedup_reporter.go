package diag

// DedupReporter forwards each distinct diagnostic once. Workers that hit
// the same failing tool report identical errors; notes are not part of
// the identity, so the first report's notes win.
type DedupReporter struct {
	next Reporter
	seen map[reportKey]struct{}
}

type reportKey struct {
	code    Code
	sev     Severity
	subject string
	msg     string
}

func NewDedupReporter(next Reporter) *DedupReporter {
	return &DedupReporter{next: next, seen: map[reportKey]struct{}{}}
}

func (r *DedupReporter) Report(code Code, sev Severity, subject, msg string, notes []Note) {
	if r == nil || r.next == nil {
		return
	}
	key := reportKey{code, sev, subject, msg}
	if _, dup := r.seen[key]; dup {
		return
	}
	r.seen[key] = struct{}{}
	r.next.Report(code, sev, subject, msg, notes)
}
