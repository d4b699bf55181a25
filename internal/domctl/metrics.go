package domctl

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/llcc/internal/domain"
)

type metrics struct {
	binds     *prometheus.CounterVec
	colors    *prometheus.GaugeVec
	domains   prometheus.Gauge
	maxColors prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		binds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llc",
			Name:      "bind_total",
			Help:      "Color bind requests by operation and resulting errno.",
		}, []string{"op", "result"}),
		colors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llc",
			Name:      "domain_colors",
			Help:      "Number of LLC colors assigned to a domain.",
		}, []string{"domain", "binding"}),
		domains: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llc",
			Name:      "domains",
			Help:      "Domains known to the controller.",
		}),
		maxColors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llc",
			Name:      "max_colors",
			Help:      "Number of LLC colors supported by the platform.",
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.binds, m.colors, m.domains, m.maxColors} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metrics) observeBind(op string, err error) {
	result := "ok"
	if e := Errno(err); e != 0 {
		result = e.Error()
	}
	m.binds.WithLabelValues(op, result).Inc()
}

func (m *metrics) setDomain(d *domain.Domain) {
	id := strconv.FormatUint(uint64(d.ID), 10)
	m.colors.DeletePartialMatch(prometheus.Labels{"domain": id})
	b := d.Binding()
	m.colors.WithLabelValues(id, b.Kind().String()).Set(float64(b.Len()))
}

func (m *metrics) dropDomain(id domain.ID) {
	m.colors.DeletePartialMatch(prometheus.Labels{"domain": strconv.FormatUint(uint64(id), 10)})
}
