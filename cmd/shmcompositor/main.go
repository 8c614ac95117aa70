// Command shmcompositor runs a headless compositor: clients hand it shared
// memory buffers over a unix socket and it composes them onto virtual
// outputs spread over one or more displays.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/compositor-shm/adapter"
	"github.com/srediag/compositor-shm/api"
	"github.com/srediag/compositor-shm/internal/logging"
	"github.com/srediag/compositor-shm/pkg/compositor"
	"github.com/srediag/compositor-shm/pkg/display"
	"github.com/srediag/compositor-shm/pkg/protocol"
	"github.com/srediag/compositor-shm/pkg/shm"
	"github.com/srediag/compositor-shm/pkg/shmpool"
)

var logger = logging.New("shmcompositor")

type options struct {
	socket     string
	httpAddr   string
	displays   int
	outputs    string
	refreshMHz int
	maxClients int
	logLevel   int
	shutdown   time.Duration
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("shmcompositor", flag.ContinueOnError)
	fs.StringVar(&o.socket, "socket", "/run/shmcompositor.sock", "unix socket clients connect to")
	fs.StringVar(&o.httpAddr, "http", ":9464", "address serving /live, /ready and /metrics; empty disables it")
	fs.IntVar(&o.displays, "displays", 1, "number of headless displays")
	fs.StringVar(&o.outputs, "outputs", "1280x720", "comma separated WxH modes of each display's outputs")
	fs.IntVar(&o.refreshMHz, "refresh-mhz", 60000, "output refresh rate in mHz")
	fs.IntVar(&o.maxClients, "max-clients", 0, "override the maximum number of clients")
	fs.IntVar(&o.logLevel, "log-level", logging.LevelInfo, "0 trace, 1 debug, 2 info, 3 warn, 4 error, 5 silent")
	fs.DurationVar(&o.shutdown, "shutdown-timeout", 5*time.Second, "time allowed for clients to disconnect")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.displays <= 0 {
		return nil, fmt.Errorf("-displays must be positive, got %d", o.displays)
	}
	if o.refreshMHz <= 0 {
		return nil, fmt.Errorf("-refresh-mhz must be positive, got %d", o.refreshMHz)
	}
	return o, nil
}

func parseModes(s string, refreshMHz int) ([]api.Mode, error) {
	var modes []api.Mode
	for _, field := range strings.Split(s, ",") {
		w, h, ok := strings.Cut(strings.TrimSpace(field), "x")
		if !ok {
			return nil, fmt.Errorf("mode %q: want WxH", field)
		}
		width, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("mode %q: %w", field, err)
		}
		height, err := strconv.Atoi(h)
		if err != nil {
			return nil, fmt.Errorf("mode %q: %w", field, err)
		}
		modes = append(modes, api.Mode{Width: width, Height: height, RefreshMHz: refreshMHz})
	}
	return modes, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	logging.SetLogLevel(opts.logLevel)

	cfg, err := protocol.ConfigFromEnv()
	if err != nil {
		return err
	}
	if opts.maxClients > 0 {
		cfg.MaxClients = opts.maxClients
	}

	modes, err := parseModes(opts.outputs, opts.refreshMHz)
	if err != nil {
		return err
	}
	var (
		displays []api.Display
		groups   []*display.HeadlessGroup
	)
	for i := 0; i < opts.displays; i++ {
		h, err := display.NewHeadless(fmt.Sprintf("headless%d", i), modes...)
		if err != nil {
			return err
		}
		displays = append(displays, h)
		groups = append(groups, h.Groups()...)
	}
	mux := display.NewMultiplexer(displays...)
	traced, err := adapter.NewTracedDisplay("multiplexer", mux, nil, nil)
	if err != nil {
		return err
	}

	scene := compositor.NewScene(sceneSize(modes))
	defer scene.Close()

	server, err := protocol.NewServer(cfg, scene)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := listen(ctx, opts.socket)
	if err != nil {
		return err
	}

	interval := time.Duration(int64(time.Second) * 1000 / int64(opts.refreshMHz))
	runners := []compositor.Runner{
		display.NewPostLoop(traced, interval),
		runnerFunc(func(ctx context.Context) error {
			if err := server.Serve(ctx, ln); !errors.Is(err, protocol.ErrServerClosed) {
				return err
			}
			return nil
		}),
	}
	for _, g := range groups {
		runners = append(runners, compositor.NewRenderLoop(g.Output().Name, g.Swapper(), interval, scene.Render))
	}
	if opts.httpAddr != "" {
		h, err := httpServer(opts.httpAddr, mux, server)
		if err != nil {
			return err
		}
		runners = append(runners, h)
	}

	logger.Infof("serving %d outputs on %s", len(groups), opts.socket)
	runErr := compositor.RunAll(ctx, runners...)
	if err := server.Close(opts.shutdown); err != nil {
		logger.Warnf("close: %v", err)
	}
	return runErr
}

// sceneSize covers the largest output.
func sceneSize(modes []api.Mode) (int, int) {
	var w, h int
	for _, m := range modes {
		w = max(w, m.Width)
		h = max(h, m.Height)
	}
	return w, h
}

// listen binds the client socket, replacing a stale one left by a previous
// run. Binding is retried while another instance still holds the path.
func listen(ctx context.Context, path string) (*net.UnixListener, error) {
	var ln *net.UnixListener
	op := func() error {
		if c, err := net.Dial("unix", path); err == nil {
			_ = c.Close()
			return fmt.Errorf("%s is in use", path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return backoff.Permanent(err)
		}
		var err error
		ln, err = net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return ln, nil
}

func httpServer(addr string, d api.Display, server *protocol.Server) (compositor.Runner, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := shm.RegisterMetrics(reg); err != nil {
		return nil, err
	}
	if err := compositor.RegisterMetrics(reg); err != nil {
		return nil, err
	}
	reg.MustRegister(display.PostErrors())
	reg.MustRegister(shmpool.Collectors()...)
	reg.MustRegister(protocol.Collectors()...)

	health := adapter.NewHealthHandler(reg, "shmcompositor", d, adapter.DefaultHealthConfig())
	health.AddReadiness("protocol-server", server)

	mux := http.NewServeMux()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	return runnerFunc(func(ctx context.Context) error {
		stop := context.AfterFunc(ctx, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
		defer stop()
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}), nil
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }
