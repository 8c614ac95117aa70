package display

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/compositor-shm/api"
	"github.com/srediag/compositor-shm/internal/logging"
)

var postErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "display",
	Name:      "post_errors_total",
	Help:      "Total number of failed sync group posts.",
})

// PostErrors is the collector counting failed posts.
func PostErrors() prometheus.Collector {
	return postErrors
}

// PostLoop is the consumer side of the compositor: on every tick it posts
// every sync group of a display.
type PostLoop struct {
	display  api.Display
	interval time.Duration
	logger   *logging.Logger
}

// NewPostLoop returns a loop posting d every interval.
func NewPostLoop(d api.Display, interval time.Duration) *PostLoop {
	return &PostLoop{display: d, interval: interval, logger: logging.New("post")}
}

// Post posts every sync group once.
func (l *PostLoop) Post() error {
	return l.display.ForEachDisplaySyncGroup(func(g api.SyncGroup) error {
		return g.Post()
	})
}

// Run posts until ctx is done. A failed post is logged and retried on the
// next tick.
func (l *PostLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := l.Post(); err != nil {
			postErrors.Inc()
			l.logger.Warnf("post: %v", err)
		}
	}
}
