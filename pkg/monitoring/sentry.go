package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// ErrorReporter forwards unexpected errors to an error tracker
type ErrorReporter interface {
	Report(ctx context.Context, err error, tags map[string]string)
}

// InitSentry configures the global Sentry client. With an empty DSN it
// returns a reporter that does nothing. The returned flush func must be
// called before exit.
func InitSentry(dsn, environment, release string) (ErrorReporter, func(), error) {
	if dsn == "" {
		return NopReporter{}, func() {}, nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	}); err != nil {
		return nil, nil, fmt.Errorf("sentry init: %w", err)
	}

	return &SentryReporter{hub: sentry.CurrentHub()}, func() { sentry.Flush(2 * time.Second) }, nil
}

// SentryReporter reports errors through a Sentry hub
type SentryReporter struct {
	hub *sentry.Hub
}

// Report captures err with tags on a cloned hub so scopes do not leak between runs
func (r *SentryReporter) Report(ctx context.Context, err error, tags map[string]string) {
	hub := r.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
	})
	hub.CaptureException(err)
}

// NopReporter discards reports
type NopReporter struct{}

// Report does nothing
func (NopReporter) Report(context.Context, error, map[string]string) {}
