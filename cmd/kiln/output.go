package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"kiln/internal/buildpipeline"
	"kiln/internal/diag"
	"kiln/internal/diagfmt"
	"kiln/internal/observ"
)

func printDiagnostics(out io.Writer, bag *diag.Bag, maxDiagnostics int) {
	if bag.Len() == 0 {
		return
	}
	bag.Sort()
	diagfmt.Pretty(out, bag, diagfmt.PrettyOpts{
		Color:     !color.NoColor,
		ShowNotes: true,
		Max:       maxDiagnostics,
	})
	if n := bag.Dropped(); n > 0 {
		fmt.Fprintf(out, "%s more diagnostics not shown\n", humanize.Comma(int64(n)))
	}
}

func printStageTimings(out io.Writer, timings buildpipeline.Timings, timer *observ.Timer) {
	if out == nil {
		return
	}
	stages := []struct {
		stage buildpipeline.Stage
		verb  string
	}{
		{buildpipeline.StageLoad, "loaded"},
		{buildpipeline.StageCodegen, "compiled"},
		{buildpipeline.StageLink, "linked"},
	}
	for _, s := range stages {
		if timings.Has(s.stage) {
			fmt.Fprintf(out, "%s %.1f ms\n", s.verb, toMillis(timings.Duration(s.stage)))
		}
	}
	total := timings.Sum(buildpipeline.StageLoad, buildpipeline.StageCodegen, buildpipeline.StageLink)
	fmt.Fprintf(out, "total %.1f ms\n", toMillis(total))
	if timer != nil && timer.Len() > 0 {
		fmt.Fprint(out, timer.Summary())
	}
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
