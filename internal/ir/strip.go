package ir

import (
	"regexp"
	"strings"
)

var (
	dbgAttachRe  = regexp.MustCompile(`(,[ \t]*|[ \t]+)!dbg[ \t]+![0-9]+`)
	anyAttachRe  = regexp.MustCompile(`(,[ \t]*|[ \t]+)![A-Za-z_.][A-Za-z0-9_.]*[ \t]+![0-9]+`)
	dbgCallRe    = regexp.MustCompile(`(?m)^[ \t]*(?:tail[ \t]+)?call[ \t]+void[ \t]+@llvm\.dbg\.[A-Za-z_.]+\(.*\n`)
	dbgRecordRe  = regexp.MustCompile(`(?m)^[ \t]*#dbg_[a-z_]+\(.*\n`)
	dbgDeclRe    = regexp.MustCompile(`(?m)^declare[ \t]+void[ \t]+@llvm\.dbg\.[A-Za-z_.]+\(.*\n`)
	dbgNamedRe   = regexp.MustCompile(`(?m)^!llvm\.dbg\.[A-Za-z_.]+[ \t]*=.*\n`)
	namedMDRe    = regexp.MustCompile(`(?m)^![A-Za-z_.][A-Za-z0-9_.-]*[ \t]*=.*\n`)
	unnamedDefRe = regexp.MustCompile(`(?m)^!([0-9]+)[ \t]*=(.*)$`)
	mdRefRe      = regexp.MustCompile(`!([0-9]+)\b`)
)

// StripDebugInfo drops debug locations, debug intrinsics and the debug
// metadata they keep alive. Other metadata is left untouched.
func (u *Unit) StripDebugInfo() error {
	text, err := u.Text()
	if err != nil {
		return err
	}
	return u.reload(stripDebugText(text))
}

func stripDebugText(text string) string {
	text = dbgCallRe.ReplaceAllString(text, "")
	text = dbgRecordRe.ReplaceAllString(text, "")
	text = dbgDeclRe.ReplaceAllString(text, "")
	text = dbgNamedRe.ReplaceAllString(text, "")
	text = dbgAttachRe.ReplaceAllString(text, "")
	return gcMetadata(text)
}

// stripMetadataText removes every attachment and named metadata node. Only
// metadata used as an instruction operand survives.
func stripMetadataText(text string) string {
	text = dbgCallRe.ReplaceAllString(text, "")
	text = dbgRecordRe.ReplaceAllString(text, "")
	text = dbgDeclRe.ReplaceAllString(text, "")
	text = namedMDRe.ReplaceAllString(text, "")
	text = anyAttachRe.ReplaceAllString(text, "")
	return gcMetadata(text)
}

// gcMetadata deletes unnamed metadata definitions that nothing outside the
// metadata section still reaches.
func gcMetadata(text string) string {
	lines := strings.Split(text, "\n")
	defs := make(map[string]string)
	var roots []string
	for _, line := range lines {
		if m := unnamedDefRe.FindStringSubmatch(line); m != nil {
			defs[m[1]] = m[2]
			continue
		}
		for _, ref := range mdRefRe.FindAllStringSubmatch(line, -1) {
			roots = append(roots, ref[1])
		}
	}
	if len(defs) == 0 {
		return text
	}

	live := make(map[string]bool, len(defs))
	for len(roots) > 0 {
		id := roots[len(roots)-1]
		roots = roots[:len(roots)-1]
		if live[id] {
			continue
		}
		live[id] = true
		for _, ref := range mdRefRe.FindAllStringSubmatch(defs[id], -1) {
			if !live[ref[1]] {
				roots = append(roots, ref[1])
			}
		}
	}

	out := lines[:0]
	for _, line := range lines {
		if m := unnamedDefRe.FindStringSubmatch(line); m != nil && !live[m[1]] {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
