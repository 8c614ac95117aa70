package shm

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "shm"

var (
	regionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "regions",
		Help:      "Number of live regions.",
	})
	rangesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "ranges",
		Help:      "Number of live ranges.",
	})
	mappingsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "mappings",
		Help:      "Number of live mappings.",
	})
	mappedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "mapped_bytes",
		Help:      "Bytes currently mapped on behalf of clients.",
	})
	rangeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "range_errors_total",
		Help:      "Total number of rejected range requests.",
	})
	accessFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "access_faults_total",
		Help:      "Total number of mappings that touched memory past the real end of their file.",
	})
)

// RegisterMetrics registers the package collectors with reg. Registering the
// same collectors twice is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		regionsLive, rangesLive, mappingsLive, mappedBytes, rangeErrors, accessFaults,
	} {
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
