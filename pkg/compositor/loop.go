package compositor

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/compositor-shm/internal/logging"
)

// RenderFunc draws frame number seq into buf.
type RenderFunc[B any] func(ctx context.Context, seq uint64, buf B) error

// RenderLoop is the producer side of a DoubleSwapper: on every tick it
// dequeues the free buffer, renders into it and queues it.
type RenderLoop[B comparable] struct {
	name     string
	swapper  *DoubleSwapper[B]
	render   RenderFunc[B]
	interval time.Duration
	frames   prometheus.Counter
	logger   *logging.Logger
}

// NewRenderLoop returns a loop that renders into s every interval.
func NewRenderLoop[B comparable](name string, s *DoubleSwapper[B], interval time.Duration, render RenderFunc[B]) *RenderLoop[B] {
	return &RenderLoop[B]{
		name:     name,
		swapper:  s,
		render:   render,
		interval: interval,
		frames:   framesRendered.WithLabelValues(name),
		logger:   logging.New("render").WithField("loop", name),
	}
}

// Name returns the loop name used in logs and metrics.
func (l *RenderLoop[B]) Name() string {
	return l.name
}

// Step renders and queues a single frame.
func (l *RenderLoop[B]) Step(ctx context.Context, seq uint64) error {
	buf := l.swapper.DequeueFreeBuffer()
	if err := l.render(ctx, seq, buf); err != nil {
		return err
	}
	l.swapper.QueueFinishedBuffer(buf)
	l.frames.Inc()
	return nil
}

// Run steps the loop until ctx is done or rendering fails. Cancellation is
// not an error.
func (l *RenderLoop[B]) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.logger.Debugf("render loop started, interval %s", l.interval)
	for seq := uint64(1); ; seq++ {
		select {
		case <-ctx.Done():
			l.logger.Debugf("render loop stopped after %d frames", seq-1)
			return nil
		case <-ticker.C:
		}
		if err := l.Step(ctx, seq); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			l.logger.Errorf("render frame %d: %v", seq, err)
			return err
		}
	}
}

// Runner is anything with a blocking Run.
type Runner interface {
	Run(ctx context.Context) error
}

// RunAll runs every runner until ctx is done or one of them fails, in which
// case the rest are cancelled and the first error is returned.
func RunAll(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}
