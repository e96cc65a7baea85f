package offlinecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// metrics is the observability collaborator: request-path failures that do
// not alter responses (store errors, pruning failures) are reported here.
type metrics struct {
	fetches      *prometheus.CounterVec
	hits         *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	storeErrors  prometheus.Counter
	installs     *prometheus.CounterVec
	pruned       prometheus.Counter
	notification prometheus.Counter
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_total",
			Help: "Intercepted requests by route.",
		}, []string{"route"}),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hit_total",
			Help: "Requests served from a partition.",
		}, []string{"partition"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallback_total",
			Help: "Requests answered by a fallback document.",
		}, []string{"fallback"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_error_total",
			Help: "Cache writes that failed without altering the response.",
		}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "install_total",
			Help: "Install attempts by result.",
		}, []string{"result"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "partitions_pruned_total",
			Help: "Stale partitions deleted during activation.",
		}),
		notification: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notification_total",
			Help: "Notifications displayed from push payloads.",
		}),
	}
	reg.MustRegister(
		m.fetches, m.hits, m.fallbacks, m.storeErrors,
		m.installs, m.pruned, m.notification,
	)
	return m
}
