package trace

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// openSpans tracks spans that have begun but not ended, so a heartbeat can
// say what a stuck build is waiting on.
type openSpans struct {
	mu    sync.Mutex
	names map[uint64]string
}

var inflight = &openSpans{names: make(map[uint64]string)}

func (o *openSpans) add(id uint64, name string) {
	o.mu.Lock()
	o.names[id] = name
	o.mu.Unlock()
}

func (o *openSpans) remove(id uint64) {
	o.mu.Lock()
	delete(o.names, id)
	o.mu.Unlock()
}

// snapshot returns the number of open spans and the newest of them.
func (o *openSpans) snapshot() (int, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var newest uint64
	for id := range o.names {
		newest = max(newest, id)
	}
	return len(o.names), o.names[newest]
}

// Heartbeat emits a liveness event every interval. A trace whose heartbeats
// keep naming the same innermost span points at a hung tool.
type Heartbeat struct {
	tracer   Tracer
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// StartHeartbeat starts the ticker goroutine. It returns nil when tracing
// is disabled or interval is not positive; Stop accepts nil.
func StartHeartbeat(tracer Tracer, interval time.Duration) *Heartbeat {
	if tracer == nil || !tracer.Enabled() || interval <= 0 {
		return nil
	}
	h := &Heartbeat{
		tracer:   tracer,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Heartbeat) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var n uint64
	for {
		select {
		case <-ticker.C:
			n++
			h.beat(n)
		case <-h.stop:
			return
		}
	}
}

func (h *Heartbeat) beat(n uint64) {
	open, innermost := inflight.snapshot()
	extra := map[string]string{ExtraOpen: strconv.Itoa(open)}
	if innermost != "" {
		extra[ExtraInnermost] = innermost
	}
	h.tracer.Emit(&Event{
		Time:   time.Now(),
		Seq:    NextSeq(),
		Kind:   KindHeartbeat,
		Scope:  ScopeDriver,
		GID:    getGoroutineID(),
		Name:   "heartbeat",
		Detail: fmt.Sprintf("#%d", n),
		Extra:  extra,
	})
}

// Stop ends the ticker and waits for the goroutine to exit. Safe to call
// more than once.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	<-h.done
}
