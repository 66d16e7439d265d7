// Package export ships a finished run's snapshot to external systems.
//
// Exporters run after the engine reaches Done and only read the snapshot.
// A failing exporter is reported in its Outcome and never changes the
// crawl result.
package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/hnsnap/internal/crawler"
	"github.com/JakeFAU/hnsnap/internal/hn"
)

const tracerName = "github.com/JakeFAU/hnsnap/internal/export"

// Snapshot is the immutable output of one run.
type Snapshot struct {
	Result  crawler.Result
	Records []hn.Record
}

// Exporter writes a snapshot somewhere. Location is an optional URI
// describing where the data landed.
type Exporter interface {
	Name() string
	Export(ctx context.Context, snap Snapshot) (location string, err error)
}

// Outcome reports one exporter's result.
type Outcome struct {
	Name     string        `json:"name"`
	Location string        `json:"location,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Fanout runs exporters concurrently against one snapshot.
type Fanout struct {
	exporters []Exporter
	timeout   time.Duration
	logger    *zap.Logger
}

// NewFanout returns a Fanout. A zero timeout leaves exporters bounded only by
// the caller's context.
func NewFanout(timeout time.Duration, logger *zap.Logger, exporters ...Exporter) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{exporters: exporters, timeout: timeout, logger: logger}
}

// Len reports the number of configured exporters.
func (f *Fanout) Len() int {
	return len(f.exporters)
}

// Run exports snap through every exporter and returns their outcomes in
// registration order.
func (f *Fanout) Run(ctx context.Context, snap Snapshot) []Outcome {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	out := make([]Outcome, len(f.exporters))
	var wg sync.WaitGroup
	for i, exp := range f.exporters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = f.runOne(ctx, exp, snap)
		}()
	}
	wg.Wait()
	return out
}

// runOne traces the export as a child of the span in ctx, using that span's
// provider.
func (f *Fanout) runOne(ctx context.Context, exp Exporter, snap Snapshot) (o Outcome) {
	o.Name = exp.Name()
	start := time.Now()
	ctx, span := trace.SpanFromContext(ctx).TracerProvider().Tracer(tracerName).Start(ctx, "hnsnap.export",
		trace.WithAttributes(attribute.String("hnsnap.exporter", o.Name)))
	defer func() {
		if r := recover(); r != nil {
			o.Err = fmt.Errorf("exporter %s panicked: %v", o.Name, r)
		}
		o.Duration = time.Since(start)
		defer span.End()
		if o.Err != nil {
			span.RecordError(o.Err)
			span.SetStatus(codes.Error, "export failed")
			f.logger.Warn("export failed", zap.String("exporter", o.Name), zap.Error(o.Err))
			return
		}
		span.SetAttributes(attribute.String("hnsnap.location", o.Location))
		f.logger.Info("export finished",
			zap.String("exporter", o.Name),
			zap.String("location", o.Location),
			zap.Duration("duration", o.Duration),
		)
	}()
	o.Location, o.Err = exp.Export(ctx, snap)
	return o
}

// Location returns the location reported by the named exporter, if it succeeded.
func Location(outcomes []Outcome, name string) string {
	for _, o := range outcomes {
		if o.Name == name && o.Err == nil {
			return o.Location
		}
	}
	return ""
}

// Failed counts outcomes with an error.
func Failed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}
