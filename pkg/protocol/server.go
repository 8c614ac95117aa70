//go:build unix

package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/compositor-shm/internal/logging"
	"github.com/srediag/compositor-shm/pkg/compositor"
	"github.com/srediag/compositor-shm/pkg/shmpool"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("protocol: server closed")

var (
	clientsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "protocol",
		Name:      "clients",
		Help:      "Number of connected clients.",
	})
	clientsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "protocol",
		Name:      "clients_rejected_total",
		Help:      "Total number of connections turned away because the server was full.",
	})
	protocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "protocol",
		Name:      "errors_total",
		Help:      "Total number of protocol errors sent to clients.",
	}, []string{"code"})
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{clientsLive, clientsRejected, protocolErrors}
}

// Compositor receives the buffers clients commit.
type Compositor interface {
	Commit(compositor.Surface)
}

// Server accepts clients on a unix socket and turns their shared memory
// buffers into surfaces for a Compositor.
type Server struct {
	cfg     *Config
	target  Compositor
	pools   *shmpool.Registry
	workers *ants.Pool
	clients cmap.ConcurrentMap[string, *client]
	serial  atomic.Uint32
	nextID  atomic.Uint64
	logger  *logging.Logger

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

// NewServer returns a server committing to target.
func NewServer(cfg *Config, target Compositor) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	logger := logging.New("protocol")
	workers, err := ants.NewPool(cfg.MaxClients,
		ants.WithNonblocking(true),
		ants.WithLogger(logger),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Errorf("client session panicked: %v", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("protocol: worker pool: %w", err)
	}
	return &Server{
		cfg:     cfg,
		target:  target,
		pools:   shmpool.NewRegistry(),
		workers: workers,
		clients: cmap.New[*client](),
		logger:  logger,
	}, nil
}

// Pools returns the registry of live client pools.
func (s *Server) Pools() *shmpool.Registry {
	return s.pools
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	return s.clients.Count()
}

// Serve accepts connections on ln until ctx is done or Close is called.
// Transient accept failures are retried with exponential backoff.
func (s *Server) Serve(ctx context.Context, ln *net.UnixListener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0
	for {
		uc, err := ln.AcceptUnix()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return ErrServerClosed
			}
			wait := bo.NextBackOff()
			s.logger.Warnf("accept: %v, retrying in %s", err, wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ErrServerClosed
			}
		}
		bo.Reset()
		s.handle(uc)
	}
}

// ServeConn serves one already connected client.
func (s *Server) ServeConn(uc *net.UnixConn) {
	s.handle(uc)
}

func (s *Server) handle(uc *net.UnixConn) {
	c := newClient(s, uc, fmt.Sprintf("client-%d", s.nextID.Add(1)))
	if err := s.workers.Submit(c.serve); err != nil {
		clientsRejected.Inc()
		s.logger.Warnf("rejecting %s: %v", c.id, err)
		_ = c.conn.Send(NewBuilder(DisplayID, DisplayError).
			Uint32(DisplayID).Uint32(ErrorNoMemory).Text("server is full"))
		_ = c.conn.Close()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Check reports whether the server still accepts clients.
func (s *Server) Check() error {
	if s.isClosed() || s.workers.IsClosed() {
		return ErrServerClosed
	}
	return nil
}

// Close stops accepting, disconnects every client and waits up to timeout
// for their sessions to end.
func (s *Server) Close(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.clients.IterCb(func(_ string, c *client) {
		_ = c.conn.Close()
	})
	errs = append(errs, s.workers.ReleaseTimeout(timeout))
	return errors.Join(errs...)
}
