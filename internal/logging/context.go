package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	orgIDKey ctxKey = iota
	runIDKey
	stepSlugKey
)

// WithOrgID returns a context with the organization ID set.
func WithOrgID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, orgIDKey, id)
}

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStepSlug returns a context with the step slug set.
func WithStepSlug(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, stepSlugKey, slug)
}

// OrgID extracts the organization ID from the context, or "" if absent.
func OrgID(ctx context.Context) string {
	v, _ := ctx.Value(orgIDKey).(string)
	return v
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// StepSlug extracts the step slug from the context, or "" if absent.
func StepSlug(ctx context.Context) string {
	v, _ := ctx.Value(stepSlugKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, orgID, runID, stepSlug string) context.Context {
	ctx = WithOrgID(ctx, orgID)
	ctx = WithRunID(ctx, runID)
	ctx = WithStepSlug(ctx, stepSlug)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if org := OrgID(ctx); org != "" {
		logger = logger.With(slog.String("org_id", org))
	}
	if run := RunID(ctx); run != "" {
		logger = logger.With(slog.String("run_id", run))
	}
	if slug := StepSlug(ctx); slug != "" {
		logger = logger.With(slog.String("step_slug", slug))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := OrgID(ctx); v != "" {
		r.AddAttrs(slog.String("org_id", v))
	}
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := StepSlug(ctx); v != "" {
		r.AddAttrs(slog.String("step_slug", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
