package pipeline

import (
	"context"

	"github.com/mangaforge/mangaforge/pkg/domain"
)

// Sink receives progress events as a run advances. Implementations must not
// block; slow consumers drop events rather than stall the pipeline.
type Sink interface {
	Report(ctx context.Context, ev domain.ProgressEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev domain.ProgressEvent)

func (f SinkFunc) Report(ctx context.Context, ev domain.ProgressEvent) { f(ctx, ev) }

// NopSink discards all events.
var NopSink Sink = SinkFunc(func(context.Context, domain.ProgressEvent) {})
