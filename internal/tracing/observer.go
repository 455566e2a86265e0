package tracing

import (
	"context"
	"sync"

	"taro/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PluginName enables the observer in the plugins configuration.
const PluginName = "tracing"

// Observer records one span per job instance, from its first executing state to
// its terminal state. Instances ending before execution produce no span.
type Observer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[domain.JobInstanceID]trace.Span
}

var (
	_ domain.ExecutionStateObserver = (*Observer)(nil)
	_ domain.WarningObserver        = (*Observer)(nil)
)

// NewObserver creates an observer using the given provider, or the global one when nil.
func NewObserver(tp trace.TracerProvider) *Observer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Observer{
		tracer: tp.Tracer("taro-job-instance"),
		spans:  make(map[domain.JobInstanceID]trace.Span),
	}
}

func (o *Observer) StateUpdate(info domain.JobInfo) {
	state := info.State()
	changed, _ := info.Lifecycle.LastChanged()

	o.mu.Lock()
	defer o.mu.Unlock()

	span, ok := o.spans[info.ID]
	if !ok {
		if !state.IsExecuting() {
			return
		}
		_, span = o.tracer.Start(context.Background(), "job "+info.JobID(),
			trace.WithTimestamp(changed),
			trace.WithAttributes(
				attribute.String("job.id", info.JobID()),
				attribute.String("job.instance_id", info.InstanceID()),
			))
		o.spans[info.ID] = span
	}

	span.AddEvent(state.String(), trace.WithTimestamp(changed))
	if !state.IsTerminal() {
		return
	}

	span.SetAttributes(attribute.String("execution.state", state.String()))
	if state.IsFailure() {
		msg := state.String()
		if info.ExecError != nil {
			msg = info.ExecError.Message
		}
		span.SetStatus(codes.Error, msg)
	}
	span.End(trace.WithTimestamp(changed))
	delete(o.spans, info.ID)
}

func (o *Observer) NewWarning(info domain.JobInfo, w domain.Warn, ctx domain.WarnEventCtx) {
	o.mu.Lock()
	defer o.mu.Unlock()

	span, ok := o.spans[info.ID]
	if !ok {
		return
	}
	span.AddEvent("warning", trace.WithAttributes(
		attribute.String("warning.name", w.Name),
		attribute.Int("warning.count", ctx.Count),
	))
}
