package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"tangled.sh/tangled.sh/loom/spindle/models"
)

const instrumentationName = "tangled.sh/tangled.sh/loom/spindle/engine"

var (
	attrRun      = attribute.Key("loom.run")
	attrWorkflow = attribute.Key("loom.workflow")
	attrEvent    = attribute.Key("loom.event")
	attrJob      = attribute.Key("loom.job")
	attrOutcome  = attribute.Key("loom.outcome")
	attrReason   = attribute.Key("loom.reason")
)

// instruments traces runs and jobs and counts their outcomes. They use
// the global providers, which do nothing until telemetry is set up.
type instruments struct {
	tracer trace.Tracer

	runs       metric.Int64Counter
	jobs       metric.Int64Counter
	jobsActive metric.Int64UpDownCounter
	jobTime    metric.Float64Histogram
}

func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	i := &instruments{tracer: otel.Tracer(instrumentationName)}

	var err error
	i.runs, err = meter.Int64Counter("loom.runs",
		metric.WithDescription("Finished workflow runs, by outcome."),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create loom.runs counter: %v", err))
	}

	i.jobs, err = meter.Int64Counter("loom.jobs",
		metric.WithDescription("Finished jobs, by outcome."),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create loom.jobs counter: %v", err))
	}

	i.jobsActive, err = meter.Int64UpDownCounter("loom.jobs.active",
		metric.WithDescription("Jobs currently running."),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create loom.jobs.active counter: %v", err))
	}

	i.jobTime, err = meter.Float64Histogram("loom.job.duration",
		metric.WithDescription("Wall time of finished jobs."),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create loom.job.duration histogram: %v", err))
	}

	return i
}

func (i *instruments) startRun(ctx context.Context, res *models.WorkflowResult) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, "run "+res.Workflow, trace.WithAttributes(
		attrRun.String(res.RunId.String()),
		attrWorkflow.String(res.Workflow),
		attrEvent.String(string(res.Event.Kind)),
	))
}

func (i *instruments) finishRun(ctx context.Context, span trace.Span, res *models.WorkflowResult) {
	i.runs.Add(ctx, 1, metric.WithAttributes(
		attrWorkflow.String(res.Workflow),
		attrOutcome.String(string(res.Outcome)),
	))

	span.SetAttributes(attrOutcome.String(string(res.Outcome)))
	if res.Reason != "" {
		span.SetAttributes(attrReason.String(res.Reason))
	}
	if res.Outcome == models.StatusKindFailed {
		span.SetStatus(codes.Error, "run failed")
	}
	span.End()
}

func (i *instruments) startJob(ctx context.Context, job *models.Job) (context.Context, trace.Span) {
	i.jobsActive.Add(ctx, 1)
	return i.tracer.Start(ctx, "job "+job.Id.Name(), trace.WithAttributes(
		attrRun.String(job.Id.Run.String()),
		attrJob.String(job.Id.Name()),
	))
}

func (i *instruments) finishJob(ctx context.Context, span trace.Span, res models.JobResult) {
	i.jobsActive.Add(ctx, -1)

	outcome := metric.WithAttributes(
		attrJob.String(res.Job),
		attrOutcome.String(string(res.Outcome)),
	)
	i.jobs.Add(ctx, 1, outcome)
	i.jobTime.Record(ctx, res.FinishedAt.Sub(res.StartedAt).Seconds(), outcome)

	span.SetAttributes(attrOutcome.String(string(res.Outcome)))
	if res.Reason != "" {
		span.SetAttributes(attrReason.String(res.Reason))
	}
	if res.Outcome == models.StatusKindFailed {
		span.SetStatus(codes.Error, res.Error)
	}
	span.End()
}
