package compositor

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesRendered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compositor",
		Name:      "frames_rendered_total",
		Help:      "Total number of frames queued by a render loop.",
	}, []string{"loop"})
	surfacesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "compositor",
		Name:      "surfaces_dropped_total",
		Help:      "Total number of committed surfaces replaced or discarded before they were drawn.",
	})
)

// RegisterMetrics registers the package collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{framesRendered, surfacesDropped} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
