package adapter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/compositor-shm/api"
)

const instrumentationName = "github.com/srediag/compositor-shm/adapter"

// TracedDisplay decorates a display with OpenTelemetry spans around sync
// group iteration, posts and configuration reads, and counts posts.
type TracedDisplay struct {
	display api.Display
	attrs   []attribute.KeyValue
	tracer  trace.Tracer

	posts      metric.Int64Counter
	postErrors metric.Int64Counter
}

var _ api.Display = (*TracedDisplay)(nil)

// NewTracedDisplay wraps d. Nil providers fall back to the global ones.
func NewTracedDisplay(name string, d api.Display, tp trace.TracerProvider, mp metric.MeterProvider) (*TracedDisplay, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	posts, err := meter.Int64Counter("display.posts",
		metric.WithDescription("Sync group posts."))
	if err != nil {
		return nil, fmt.Errorf("adapter: posts counter: %w", err)
	}
	postErrors, err := meter.Int64Counter("display.post_errors",
		metric.WithDescription("Failed sync group posts."))
	if err != nil {
		return nil, fmt.Errorf("adapter: post errors counter: %w", err)
	}
	return &TracedDisplay{
		display:    d,
		attrs:      []attribute.KeyValue{attribute.String("display.name", name)},
		tracer:     tp.Tracer(instrumentationName),
		posts:      posts,
		postErrors: postErrors,
	}, nil
}

// ForEachDisplaySyncGroup hands fn traced sync groups. Every group is
// visited inside one span; each Post gets a child span.
func (t *TracedDisplay) ForEachDisplaySyncGroup(fn func(api.SyncGroup) error) error {
	ctx, span := t.tracer.Start(context.Background(), "display.ForEachDisplaySyncGroup",
		trace.WithAttributes(t.attrs...))
	defer span.End()
	groups := 0
	err := t.display.ForEachDisplaySyncGroup(func(g api.SyncGroup) error {
		groups++
		return fn(&tracedGroup{ctx: ctx, group: g, index: groups - 1, display: t})
	})
	span.SetAttributes(attribute.Int("display.sync_groups", groups))
	record(span, err)
	return err
}

// Configuration reads the wrapped configuration inside a span.
func (t *TracedDisplay) Configuration() (api.Configuration, error) {
	_, span := t.tracer.Start(context.Background(), "display.Configuration",
		trace.WithAttributes(t.attrs...))
	defer span.End()
	conf, err := t.display.Configuration()
	span.SetAttributes(attribute.Int("display.outputs", len(conf.Outputs)))
	record(span, err)
	return conf, err
}

type tracedGroup struct {
	ctx     context.Context
	group   api.SyncGroup
	index   int
	display *TracedDisplay
}

func (g *tracedGroup) Post() error {
	t := g.display
	attrs := append([]attribute.KeyValue{attribute.Int("display.sync_group", g.index)}, t.attrs...)
	ctx, span := t.tracer.Start(g.ctx, "display.Post", trace.WithAttributes(attrs...))
	defer span.End()
	err := g.group.Post()
	t.posts.Add(ctx, 1, metric.WithAttributes(t.attrs...))
	if err != nil {
		t.postErrors.Add(ctx, 1, metric.WithAttributes(t.attrs...))
	}
	record(span, err)
	return err
}

func record(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
