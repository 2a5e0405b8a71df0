// Package execution forwards code run requests to an external execution
// service. It keeps no per-room state; each request is resolved exactly once
// with either a Result or an *Error.
package execution

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Request struct {
	Code     string
	Language string
	Version  string
	Stdin    string
}

type Result struct {
	Output   string
	Stdout   string
	Stderr   string
	ExitCode *int
	Language string
	Version  string
}

// Backend executes a single request.
type Backend interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

type Dispatcher struct {
	backend Backend
	timeout time.Duration
	tracer  trace.Tracer
}

func NewDispatcher(backend Backend, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		backend: backend,
		timeout: timeout,
		tracer:  otel.Tracer("github.com/manpreetbhatti/codecollab/internal/execution"),
	}
}

// Execute runs req against the backend with a bounded wait. Every failure is
// returned as an *Error.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "execution.Execute", trace.WithAttributes(
		attribute.String("execution.language", req.Language),
		attribute.String("execution.version", req.Version),
	))
	defer span.End()

	if req.Language == "" {
		err := newError(CodeInvalidRequest, "language is required", nil)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if req.Version == "" {
		req.Version = "*"
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	result, err := d.backend.Execute(ctx, req)
	if err != nil {
		err = normalize(ctx, err)
		var execErr *Error
		if errors.As(err, &execErr) {
			span.SetAttributes(attribute.String("execution.error_code", string(execErr.Code)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if result.ExitCode != nil {
		span.SetAttributes(attribute.Int("execution.exit_code", *result.ExitCode))
	}
	return result, nil
}

// normalize guarantees callers always see an *Error, and that a blown
// deadline is reported as a timeout even if the backend wrapped it oddly.
func normalize(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(CodeTimeout, "execution timed out", err)
	}
	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr
	}
	return classifyTransport(ctx, err)
}

func classifyTransport(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(CodeTimeout, "execution timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(CodeTimeout, "execution timed out", err)
	}
	return newError(CodeUnavailable, "execution service unreachable", err)
}
