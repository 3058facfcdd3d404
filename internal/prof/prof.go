// Package prof wraps the runtime profilers behind one start/stop handle.
package prof

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	"github.com/hashicorp/go-multierror"
)

// Options names the files to write; empty paths disable that profiler.
type Options struct {
	CPU   string
	Mem   string
	Trace string
}

// Profiler is a running set of profilers.
type Profiler struct {
	mem       string
	cpuFile   *os.File
	traceFile *os.File
	stopped   bool
}

// Start enables every profiler named in opts. On failure the profilers
// already started are stopped again.
func Start(opts Options) (*Profiler, error) {
	p := &Profiler{mem: opts.Mem}
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		p.cpuFile = f
	}
	if opts.Trace != "" {
		f, err := os.Create(opts.Trace)
		if err == nil {
			if err = trace.Start(f); err != nil {
				_ = f.Close()
			}
		}
		if err != nil {
			// heap profile is only written on a clean stop
			p.mem = ""
			_ = p.Stop()
			return nil, fmt.Errorf("runtime trace: %w", err)
		}
		p.traceFile = f
	}
	return p, nil
}

// Stop ends the profilers and writes the heap profile. Calling it again is
// a no-op.
func (p *Profiler) Stop() error {
	if p == nil || p.stopped {
		return nil
	}
	p.stopped = true

	var result *multierror.Error
	if p.traceFile != nil {
		trace.Stop()
		if err := p.traceFile.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("runtime trace: %w", err))
		}
	}
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuFile.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("cpu profile: %w", err))
		}
	}
	if p.mem != "" {
		if err := writeHeap(p.mem); err != nil {
			result = multierror.Append(result, fmt.Errorf("heap profile: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func writeHeap(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	runtime.GC()
	return pprof.WriteHeapProfile(f)
}
