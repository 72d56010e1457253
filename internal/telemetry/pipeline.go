package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const pipelineScopeName = "github.com/ilsys/asap/pipeline"

// PipelineMetrics records counters for the transmission and reconciliation
// passes. All methods are safe on a nil receiver, so callers can hold a nil
// *PipelineMetrics when telemetry is disabled.
type PipelineMetrics struct {
	exported   metric.Int64Counter
	indexed    metric.Int64Counter
	staged     metric.Int64Counter
	reconciled metric.Int64Counter
	unmatched  metric.Int64Counter
	restaged   metric.Int64Counter
	runErrors  metric.Int64Counter
	runDur     metric.Float64Histogram
}

// NewPipelineMetrics builds the pipeline instrument set, or returns nil when
// telemetry is disabled.
func NewPipelineMetrics() *PipelineMetrics {
	if !Enabled() {
		return nil
	}
	m := Meter(pipelineScopeName)
	exported, _ := m.Int64Counter("asap.cases.exported",
		metric.WithDescription("Cases whose images were exported to staging"),
	)
	indexed, _ := m.Int64Counter("asap.cases.indexed",
		metric.WithDescription("Cases with an index file built"),
	)
	staged, _ := m.Int64Counter("asap.cases.staged",
		metric.WithDescription("Cases staged and handed to transmit"),
	)
	reconciled, _ := m.Int64Counter("asap.documents.reconciled",
		metric.WithDescription("Documents confirmed received by a carrier feed"),
	)
	unmatched, _ := m.Int64Counter("asap.recon.unmatched",
		metric.WithDescription("Recon feed entries with no matching document"),
	)
	restaged, _ := m.Int64Counter("asap.cases.restaged",
		metric.WithDescription("Cases re-staged after a reconciliation discrepancy"),
	)
	runErrors, _ := m.Int64Counter("asap.run.errors",
		metric.WithDescription("Errors recorded during a pipeline run"),
	)
	runDur, _ := m.Float64Histogram("asap.run.duration",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
	)
	return &PipelineMetrics{
		exported:   exported,
		indexed:    indexed,
		staged:     staged,
		reconciled: reconciled,
		unmatched:  unmatched,
		restaged:   restaged,
		runErrors:  runErrors,
		runDur:     runDur,
	}
}

// RecordRun records the outcome of one scheduler pass over all contacts.
func (p *PipelineMetrics) RecordRun(ctx context.Context, exported, indexed, staged, errors int, dur time.Duration) {
	if p == nil {
		return
	}
	p.exported.Add(ctx, int64(exported))
	p.indexed.Add(ctx, int64(indexed))
	p.staged.Add(ctx, int64(staged))
	p.runErrors.Add(ctx, int64(errors))
	p.runDur.Record(ctx, dur.Seconds())
}

// RecordRecon records the outcome of one reconciliation pass for a contact.
func (p *PipelineMetrics) RecordRecon(ctx context.Context, contact string, reconciled, unmatched, restaged int) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("asap.contact", contact))
	p.reconciled.Add(ctx, int64(reconciled), attrs)
	p.unmatched.Add(ctx, int64(unmatched), attrs)
	p.restaged.Add(ctx, int64(restaged), attrs)
}
