package smallheap

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics wires the heap's internal counters into Prometheus, in the
// collector-construction idiom talyz-systemd_exporter/systemd/systemd.go
// uses for cgroup/systemd stats — descriptors built once, updated in
// place as the heap runs. A nil *metrics (no Registerer configured) makes
// every method a no-op so the hot path never pays for an unconfigured
// collector.
type metrics struct {
	pagesCommitted    prometheus.Counter
	pagesDecommitted  prometheus.Counter
	poolExhausted     prometheus.Counter
	largeFallbacks    prometheus.Counter
	liveAllocations   *prometheus.GaugeVec
	committedPages    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		pagesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smallheap",
			Name:      "pages_committed_total",
			Help:      "Number of pages committed from the reservation.",
		}),
		pagesDecommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smallheap",
			Name:      "pages_decommitted_total",
			Help:      "Number of pages returned to the operating system.",
		}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smallheap",
			Name:      "page_pool_exhausted_total",
			Help:      "Number of times the page pool had no free page index to hand out.",
		}),
		largeFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smallheap",
			Name:      "large_path_fallbacks_total",
			Help:      "Number of allocations routed to the large-object path.",
		}),
		committedPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "smallheap",
			Name:      "committed_pages",
			Help:      "Pages currently committed.",
		}),
		liveAllocations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "smallheap",
			Name:      "live_allocations",
			Help:      "Live allocations per size class.",
		}, []string{"class"}),
	}

	reg.MustRegister(
		m.pagesCommitted,
		m.pagesDecommitted,
		m.poolExhausted,
		m.largeFallbacks,
		m.committedPages,
		m.liveAllocations,
	)
	return m
}

func (m *metrics) committed()   { if m != nil { m.pagesCommitted.Inc(); m.committedPages.Inc() } }
func (m *metrics) decommitted() { if m != nil { m.pagesDecommitted.Inc(); m.committedPages.Dec() } }
func (m *metrics) exhausted()   { if m != nil { m.poolExhausted.Inc() } }
func (m *metrics) fellThrough() { if m != nil { m.largeFallbacks.Inc() } }

func (m *metrics) allocated(k int) {
	if m != nil {
		m.liveAllocations.WithLabelValues(strconv.Itoa(k)).Inc()
	}
}

func (m *metrics) freed(k int) {
	if m != nil {
		m.liveAllocations.WithLabelValues(strconv.Itoa(k)).Dec()
	}
}
