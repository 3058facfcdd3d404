package diagfmt

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"kiln/internal/diag"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	infoColor    = color.New(color.FgCyan, color.Bold)
	codeColor    = color.New(color.Faint)
	noteColor    = color.New(color.FgBlue)
)

// Pretty форматирует диагностики в человекочитаемый вид.
// Идёт по bag.Items() (ожидается bag.Sort() заранее, если нужен порядок по severity).
// Для каждого diag печатает:
//
//	<sev>[<CODE>]: <subject>: <message>
//	  = note: <note>
func Pretty(w io.Writer, bag *diag.Bag, opts PrettyOpts) {
	if bag == nil {
		return
	}
	items := bag.Items()
	if opts.Max > 0 && opts.Max < len(items) {
		items = items[:opts.Max]
	}
	for i := range items {
		writeOne(w, &items[i], opts)
	}
}

func writeOne(w io.Writer, d *diag.Diagnostic, opts PrettyOpts) {
	sev := d.Severity.String()
	code := "[" + d.Code.ID() + "]"
	if opts.Color {
		sev = severityColor(d.Severity).Sprint(sev)
		code = codeColor.Sprint(code)
	}
	var b strings.Builder
	b.WriteString(sev)
	b.WriteString(code)
	b.WriteString(": ")
	if d.Subject != "" {
		b.WriteString(d.Subject)
		b.WriteString(": ")
	}
	b.WriteString(truncate(d.Message, opts.Width))
	fmt.Fprintln(w, b.String())

	if !opts.ShowNotes {
		return
	}
	for _, n := range d.Notes {
		label := "note"
		if opts.Color {
			label = noteColor.Sprint(label)
		}
		for j, line := range strings.Split(strings.TrimRight(n.Msg, "\n"), "\n") {
			if j == 0 {
				fmt.Fprintf(w, "  = %s: %s\n", label, line)
				continue
			}
			fmt.Fprintf(w, "          %s\n", line)
		}
	}
}

func severityColor(s diag.Severity) *color.Color {
	switch s {
	case diag.SevError:
		return errorColor
	case diag.SevWarning:
		return warningColor
	default:
		return infoColor
	}
}

func truncate(s string, width uint8) string {
	if width == 0 || runewidth.StringWidth(s) <= int(width) {
		return s
	}
	return runewidth.Truncate(s, int(width), "…")
}
