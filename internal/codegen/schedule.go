package codegen

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"kiln/internal/diag"
	"kiln/internal/trace"
)

// ModeKind selects how a batch is executed.
type ModeKind uint8

const (
	// WholeProgram runs items on the calling goroutine, in order. It is the
	// only mode that performs LTO.
	WholeProgram ModeKind = iota
	// Parallel runs items on a fixed pool of workers.
	Parallel
)

func (k ModeKind) String() string {
	if k == Parallel {
		return "parallel"
	}
	return "whole-program"
}

// Mode configures Schedule.
type Mode struct {
	Kind    ModeKind
	Workers int
	// PNaCl batches link whole programs later, at bitcode level, so they
	// may combine LTO with several workers.
	PNaCl bool
}

// Result holds what each item emitted, indexed like the input.
type Result struct {
	Emitted []EmittedPaths
}

// Schedule runs every item through p. It consumes the items in all cases:
// each unit is disposed and each TargetMachine closed exactly once, by
// whoever ran it or by Schedule itself when the batch stops early.
//
// Diagnostics from parallel workers are buffered and replayed into
// p.Reporter after all workers have returned.
func Schedule(ctx context.Context, p *Pipeline, items []*WorkItem, mode Mode) (*Result, error) {
	if err := checkMode(items, mode); err != nil {
		releaseAll(items)
		return nil, err
	}

	ctx, span := trace.Start(ctx, trace.ScopeStage, "codegen")
	span.WithExtra("mode", mode.Kind.String())
	span.WithExtra("units", fmt.Sprint(len(items)))
	defer span.End("")

	res := &Result{Emitted: make([]EmittedPaths, len(items))}
	if mode.Kind == WholeProgram {
		return res, runInOrder(ctx, p, items, res)
	}
	return res, runParallel(ctx, p, items, mode.Workers, res)
}

func checkMode(items []*WorkItem, mode Mode) error {
	switch mode.Kind {
	case WholeProgram:
		if mode.Workers > 1 && !mode.PNaCl {
			return diag.Invariantf(diag.CGNWholeProgramWorkers, "whole-program codegen runs on one thread, got %d workers", mode.Workers)
		}
	case Parallel:
		if mode.Workers < 1 {
			return diag.Invariantf(diag.CGNWholeProgramWorkers, "parallel codegen needs at least one worker, got %d", mode.Workers)
		}
		if mode.Workers > 1 && !mode.PNaCl && wantsLTO(items) {
			return diag.Invariantf(diag.CGNWholeProgramWorkers, "can't perform LTO when using multiple codegen units")
		}
	default:
		return diag.Invariantf(diag.CGNWholeProgramWorkers, "unknown scheduling mode %d", mode.Kind)
	}
	return nil
}

func wantsLTO(items []*WorkItem) bool {
	for _, it := range items {
		if it.Config.LTO {
			return true
		}
	}
	return false
}

func releaseAll(items []*WorkItem) {
	for _, it := range items {
		it.release()
	}
}

func runInOrder(ctx context.Context, p *Pipeline, items []*WorkItem, res *Result) error {
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			releaseAll(items[i:])
			return err
		}
		out, err := p.Run(ctx, it)
		it.release()
		res.Emitted[i] = out
		if err != nil {
			releaseAll(items[i+1:])
			return err
		}
	}
	return nil
}

// queue hands out items one at a time. Workers hold the lock only while
// popping.
type queue struct {
	mu    sync.Mutex
	items []*WorkItem
	next  int
}

func (q *queue) pop() (*WorkItem, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= len(q.items) {
		return nil, -1, false
	}
	i := q.next
	q.next++
	return q.items[i], i, true
}

// rest empties the queue and returns what was never claimed.
func (q *queue) rest() []*WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items[q.next:]
	q.next = len(q.items)
	return out
}

func runParallel(ctx context.Context, p *Pipeline, items []*WorkItem, workers int, res *Result) error {
	workers = min(workers, max(len(items), 1))
	q := &queue{items: items}
	sink := diag.NewSink()
	errs := make([]error, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := range workers {
		wp := *p
		wp.Reporter = sink.Forwarder(fmt.Sprintf("codegen-%d", w))
		// LTO needs the whole program on one worker
		wp.LTO = nil
		g.Go(func() error {
			errs[w] = work(gctx, &wp, w, q, res)
			return errs[w]
		})
	}
	_ = g.Wait()

	releaseAll(q.rest())
	sink.Drain(p.Reporter)

	var failed *multierror.Error
	for _, err := range errs {
		if err != nil {
			failed = multierror.Append(failed, err)
		}
	}
	if failed != nil {
		failed.ErrorFormat = workerFailureFormat
		return failed
	}
	return ctx.Err()
}

// work is one worker's loop. The context is only looked at between items;
// a claimed item always runs to completion.
func work(ctx context.Context, p *Pipeline, w int, q *queue, res *Result) (err error) {
	for ctx.Err() == nil {
		it, i, ok := q.pop()
		if !ok {
			return nil
		}
		if err := runOne(ctx, p, w, it, i, res); err != nil {
			return err
		}
	}
	return nil
}

func runOne(ctx context.Context, p *Pipeline, w int, it *WorkItem, i int, res *Result) (err error) {
	defer it.release()
	defer func() {
		if r := recover(); r != nil {
			p.Reporter.Report(diag.CGNWorkerPanic, diag.SevError, it.Name(),
				fmt.Sprintf("codegen worker %d panicked: %v", w, r),
				[]diag.Note{{Msg: string(debug.Stack())}})
			err = &workerPanic{worker: w, item: it.Name(), value: r}
		}
	}()
	out, err := p.Run(ctx, it)
	res.Emitted[i] = out
	if err != nil {
		return fmt.Errorf("codegen-%d: %s: %w", w, it.Name(), err)
	}
	return nil
}

type workerPanic struct {
	worker int
	item   string
	value  any
}

func (e *workerPanic) Error() string {
	return fmt.Sprintf("codegen-%d: panic while processing %s: %v", e.worker, e.item, e.value)
}

func workerFailureFormat(errs []error) string {
	var b strings.Builder
	b.WriteString("aborting due to previous codegen errors")
	for _, err := range errs {
		var wp *workerPanic
		if errors.As(err, &wp) {
			b.Reset()
			b.WriteString("aborting due to worker thread panic")
			break
		}
	}
	for _, err := range errs {
		b.WriteString("\n\t* ")
		b.WriteString(err.Error())
	}
	return b.String()
}
