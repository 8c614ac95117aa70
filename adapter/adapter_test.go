package adapter

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/compositor-shm/api"
	"github.com/srediag/compositor-shm/pkg/display"
)

type failingDisplay struct {
	err error
}

func (d failingDisplay) ForEachDisplaySyncGroup(func(api.SyncGroup) error) error { return d.err }

func (d failingDisplay) Configuration() (api.Configuration, error) {
	return api.Configuration{}, d.err
}

func status(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

type HealthTestSuite struct {
	suite.Suite
	display api.Display
	cfg     HealthConfig
}

func TestHealthTestSuite(t *testing.T) {
	suite.Run(t, new(HealthTestSuite))
}

func (s *HealthTestSuite) SetupTest() {
	d, err := display.NewHeadless("health", api.Mode{Width: 8, Height: 8, RefreshMHz: 60000})
	s.Require().NoError(err)
	s.display = d
	s.cfg = DefaultHealthConfig()
	s.cfg.ShmPath = s.T().TempDir()
	s.cfg.MinShmFree = 0
}

func (s *HealthTestSuite) TestHealthy() {
	h := NewHealthHandler(nil, "", s.display, s.cfg)
	s.Equal(http.StatusOK, status(h, "/live"))
	s.Equal(http.StatusOK, status(h, "/ready"))
}

func (s *HealthTestSuite) TestDisplayFailureFailsLiveness() {
	h := NewHealthHandler(nil, "", failingDisplay{err: errors.New("gone")}, s.cfg)
	s.Equal(http.StatusServiceUnavailable, status(h, "/live"))
	// Liveness failures also fail readiness.
	s.Equal(http.StatusServiceUnavailable, status(h, "/ready"))
}

func (s *HealthTestSuite) TestShmSpaceFailsReadiness() {
	s.cfg.MinShmFree = math.MaxUint64
	h := NewHealthHandler(nil, "", s.display, s.cfg)
	s.Equal(http.StatusOK, status(h, "/live"))
	s.Equal(http.StatusServiceUnavailable, status(h, "/ready"))
}

func (s *HealthTestSuite) TestExtraReadinessCheck() {
	h := NewHealthHandler(nil, "", s.display, s.cfg)
	var ready atomic.Bool
	h.AddReadiness("server", api.HealthFunc(func() error {
		if !ready.Load() {
			return errors.New("not serving")
		}
		return nil
	}))
	s.Equal(http.StatusServiceUnavailable, status(h, "/ready"))
	ready.Store(true)
	s.Equal(http.StatusOK, status(h, "/ready"))
}

func (s *HealthTestSuite) TestSlowCheckTimesOut() {
	s.cfg.Timeout = 10 * time.Millisecond
	h := NewHealthHandler(nil, "", s.display, s.cfg)
	h.AddLiveness("slow", api.HealthFunc(func() error {
		time.Sleep(time.Second)
		return nil
	}))
	s.Equal(http.StatusServiceUnavailable, status(h, "/live"))
}

func (s *HealthTestSuite) TestMetricsHandlerExportsChecks() {
	reg := prometheus.NewRegistry()
	h := NewHealthHandler(reg, "shmcompositor", s.display, s.cfg)
	s.Equal(http.StatusOK, status(h, "/ready"))
	families, err := reg.Gather()
	s.Require().NoError(err)
	s.NotEmpty(families)
}

func TestDisplayConfigured(t *testing.T) {
	d, err := display.NewHeadless("configured", api.Mode{Width: 1, Height: 1})
	require.NoError(t, err)
	assert.NoError(t, DisplayConfigured(d))
	assert.ErrorIs(t, DisplayConfigured(display.NewMultiplexer()), ErrNoOutputs)
}

type recordingTracer struct {
	tracenoop.Tracer
	mu    sync.Mutex
	spans []string
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	r.spans = append(r.spans, name)
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

func (r *recordingTracer) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.spans...)
}

type recordingTracerProvider struct {
	tracenoop.TracerProvider
	tracer *recordingTracer
}

func (p recordingTracerProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return p.tracer
}

type countingCounter struct {
	metricnoop.Int64Counter
	n *atomic.Int64
}

func (c countingCounter) Add(_ context.Context, v int64, _ ...metric.AddOption) {
	c.n.Add(v)
}

type countingMeter struct {
	metricnoop.Meter
	counts map[string]*atomic.Int64
}

func (m countingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	n := new(atomic.Int64)
	m.counts[name] = n
	return countingCounter{n: n}, nil
}

type countingMeterProvider struct {
	metricnoop.MeterProvider
	meter countingMeter
}

func (p countingMeterProvider) Meter(string, ...metric.MeterOption) metric.Meter {
	return p.meter
}

type OTelTestSuite struct {
	suite.Suite
	tracer *recordingTracer
	meter  countingMeter
}

func TestOTelTestSuite(t *testing.T) {
	suite.Run(t, new(OTelTestSuite))
}

func (s *OTelTestSuite) SetupTest() {
	s.tracer = &recordingTracer{}
	s.meter = countingMeter{counts: make(map[string]*atomic.Int64)}
}

func (s *OTelTestSuite) wrap(d api.Display) *TracedDisplay {
	td, err := NewTracedDisplay("test", d,
		recordingTracerProvider{tracer: s.tracer},
		countingMeterProvider{meter: s.meter})
	s.Require().NoError(err)
	return td
}

func (s *OTelTestSuite) TestPostsAreTracedAndCounted() {
	d, err := display.NewHeadless("otel",
		api.Mode{Width: 2, Height: 2}, api.Mode{Width: 3, Height: 3})
	s.Require().NoError(err)
	td := s.wrap(d)

	s.Require().NoError(display.NewPostLoop(td, time.Millisecond).Post())
	s.Equal([]string{"display.ForEachDisplaySyncGroup", "display.Post", "display.Post"}, s.tracer.names())
	s.Equal(int64(2), s.meter.counts["display.posts"].Load())
	s.Equal(int64(0), s.meter.counts["display.post_errors"].Load())
	for _, g := range d.Groups() {
		s.Equal(uint64(1), g.Posted())
	}
}

func (s *OTelTestSuite) TestErrorsPassThrough() {
	boom := errors.New("boom")
	td := s.wrap(failingDisplay{err: boom})
	s.ErrorIs(td.ForEachDisplaySyncGroup(func(api.SyncGroup) error { return nil }), boom)
	_, err := td.Configuration()
	s.ErrorIs(err, boom)
	s.Equal([]string{"display.ForEachDisplaySyncGroup", "display.Configuration"}, s.tracer.names())
}

func (s *OTelTestSuite) TestConfigurationUnchanged() {
	d, err := display.NewHeadless("otel", api.Mode{Width: 4, Height: 2})
	s.Require().NoError(err)
	want, err := d.Configuration()
	s.Require().NoError(err)
	got, err := s.wrap(d).Configuration()
	s.Require().NoError(err)
	s.Equal(want, got)
}

func TestGlobalProvidersByDefault(t *testing.T) {
	d, err := display.NewHeadless("global", api.Mode{Width: 1, Height: 1})
	require.NoError(t, err)
	td, err := NewTracedDisplay("global", d, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, td.ForEachDisplaySyncGroup(func(g api.SyncGroup) error { return g.Post() }))
}
