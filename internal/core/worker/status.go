package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/metrics"
)

// StatusCounter reports how many requests sit in each status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

// StatusReporter keeps the requests-by-status gauge current.
type StatusReporter struct {
	counter  StatusCounter
	interval time.Duration
}

func NewStatusReporter(counter StatusCounter, interval time.Duration) *StatusReporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StatusReporter{counter: counter, interval: interval}
}

// Start runs the reporter loop.
func (r *StatusReporter) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Report(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report(ctx)
		}
	}
}

// Report sets the gauge once. Statuses with no requests are reported as zero.
func (r *StatusReporter) Report(ctx context.Context) {
	counts, err := r.counter.CountByStatus(ctx)
	if err != nil {
		slog.Warn("Failed to count requests by status", "error", err)
		return
	}
	for _, st := range domain.AllStatuses {
		metrics.RequestsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
