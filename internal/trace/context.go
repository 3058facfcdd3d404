package trace

import "context"

// ctxState is what a context carries for tracing: the sink and the span
// new spans attach to.
type ctxState struct {
	tracer Tracer
	span   SpanContext
}

type ctxKey struct{}

func stateOf(ctx context.Context) ctxState {
	if ctx != nil {
		if st, ok := ctx.Value(ctxKey{}).(ctxState); ok {
			return st
		}
	}
	return ctxState{tracer: Nop}
}

// FromContext returns the context's tracer, or Nop.
func FromContext(ctx context.Context) Tracer {
	return stateOf(ctx).tracer
}

// WithTracer attaches t to ctx. A nil t disables tracing below ctx.
func WithTracer(ctx context.Context, t Tracer) context.Context {
	if t == nil {
		t = Nop
	}
	st := stateOf(ctx)
	st.tracer = t
	return context.WithValue(ctx, ctxKey{}, st)
}

// SpanContext identifies the span new spans are parented to.
type SpanContext struct {
	SpanID uint64
}

// CurrentSpan returns the enclosing span, zero at the root.
func CurrentSpan(ctx context.Context) SpanContext {
	return stateOf(ctx).span
}

// WithSpanContext makes sc the parent of spans started below ctx.
func WithSpanContext(ctx context.Context, sc SpanContext) context.Context {
	if ctx == nil {
		return nil
	}
	st := stateOf(ctx)
	st.span = sc
	return context.WithValue(ctx, ctxKey{}, st)
}

// Start begins a span under the context's current span and returns a
// context in which it is current.
func Start(ctx context.Context, scope Scope, name string) (context.Context, *Span) {
	st := stateOf(ctx)
	span := Begin(st.tracer, scope, name, st.span.SpanID)
	return WithSpanContext(ctx, SpanContext{SpanID: span.ID()}), span
}
