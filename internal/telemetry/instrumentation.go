package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes feed metrics, so keep them bounded: platform, operation, status and codec are fine.
// Request IDs, fingerprints, titles and URLs belong in logs, never in attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with a span.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(ctx, operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentClientOperation instruments platform adapter operations.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, platform, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "adapter_"+operation, "adapter", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, platform+"_"+operation)
		defer span.End()

		span.SetAttributes(
			attribute.String("adapter.platform", platform),
			attribute.String("adapter.operation", operation),
		)

		return fn(ctx)
	})

	t.RecordAdapterOperation(ctx, platform, operation, statusOf(err))

	return err
}

// InstrumentJob instruments one attempt of a scheduled job.
func (t *Telemetry) InstrumentJob(ctx context.Context, attempt int, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	t.AddActiveJobs(ctx, 1)
	defer t.AddActiveJobs(ctx, -1)

	return t.InstrumentOperation(ctx, "job_attempt", "scheduler", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, "job_attempt")
		defer span.End()

		span.SetAttributes(attribute.Int("job.attempt", attempt))

		return fn(ctx)
	})
}

// InstrumentConversion instruments an encoder run; fn returns the number of bytes produced.
func (t *Telemetry) InstrumentConversion(ctx context.Context, codec string, fn func(ctx context.Context) (int64, error)) error {
	if t == nil {
		_, err := fn(ctx)

		return err
	}

	start := time.Now()

	var size int64

	err := t.InstrumentOperation(ctx, "convert_"+codec, "converter", func(ctx context.Context) error {
		var err error
		size, err = fn(ctx)

		return err
	})

	t.RecordConversion(ctx, codec, statusOf(err), size, time.Since(start))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
