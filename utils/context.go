package utils

import (
	"context"
	"time"
)

const (
	// ProbeTimeout bounds dependency checks made by the health endpoint.
	ProbeTimeout = 2 * time.Second

	// BackgroundIngestTimeout bounds an ingestion started by the API that
	// outlives the request which triggered it.
	BackgroundIngestTimeout = 10 * time.Minute
)

// WithProbeTimeout creates a context for a quick dependency check
func WithProbeTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ProbeTimeout)
}

// Detached keeps parent's values (logger, trace span) but not its
// cancellation, so work can continue after the HTTP response is written.
func Detached(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
