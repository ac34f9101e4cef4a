package metrics_collectors

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "tractive"

// SessionMetrics counts what one client session did. Each instance owns its registry
// so several sessions in one process never share counters.
type SessionMetrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	retries     prometheus.Counter
	reauths     prometheus.Counter
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	errors      *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	commands    *prometheus.CounterVec
	restores    *prometheus.CounterVec
}

// NewSessionMetrics registers every collector on a fresh registry.
func NewSessionMetrics() *SessionMetrics {
	m := &SessionMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests sent, by method and response status (0 = transport error)",
		}, []string{"method", "status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_retries_total",
			Help:      "Requests re-sent after a retryable failure",
		}),
		reauths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reauthentications_total",
			Help:      "Token refreshes triggered by a 401",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "GET requests answered from the response cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cacheable GET requests sent to the API",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors returned to callers, by category",
		}, []string{"category"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_resolutions_total",
			Help:      "Location resolutions, by strategy that produced the fix",
		}, []string{"strategy"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Dispatched commands, by command type and acknowledgement status",
		}, []string{"command", "status"}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_tracking_restores_total",
			Help:      "Live tracking restore attempts, by outcome",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(m.requests, m.retries, m.reauths, m.cacheHits, m.cacheMisses,
		m.errors, m.resolutions, m.commands, m.restores)
	return m
}

// Registry exposes the collectors, e.g. for promhttp.
func (m *SessionMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *SessionMetrics) ObserveRequest(method string, status int) {
	m.requests.WithLabelValues(strings.ToUpper(method), strconv.Itoa(status)).Inc()
}

func (m *SessionMetrics) Retry()     { m.retries.Inc() }
func (m *SessionMetrics) Reauth()    { m.reauths.Inc() }
func (m *SessionMetrics) CacheHit()  { m.cacheHits.Inc() }
func (m *SessionMetrics) CacheMiss() { m.cacheMisses.Inc() }

func (m *SessionMetrics) Error(category string) {
	if category == "" {
		category = "other"
	}
	m.errors.WithLabelValues(category).Inc()
}

func (m *SessionMetrics) Resolution(strategy string) {
	m.resolutions.WithLabelValues(strategy).Inc()
}

func (m *SessionMetrics) Command(command, status string) {
	m.commands.WithLabelValues(command, status).Inc()
}

func (m *SessionMetrics) Restore(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.restores.WithLabelValues(outcome).Inc()
}

// Snapshot is a point-in-time copy of the counters, keyed by joined label values.
type Snapshot struct {
	Requests    map[string]float64 `json:"requests"`
	Retries     float64            `json:"retries"`
	Reauths     float64            `json:"reauths"`
	CacheHits   float64            `json:"cache_hits"`
	CacheMisses float64            `json:"cache_misses"`
	Errors      map[string]float64 `json:"errors"`
	Resolutions map[string]float64 `json:"resolutions"`
	Commands    map[string]float64 `json:"commands"`
	Restores    map[string]float64 `json:"restores"`
}

// TotalRequests sums Requests.
func (s Snapshot) TotalRequests() float64 {
	var total float64
	for _, v := range s.Requests {
		total += v
	}
	return total
}

// Snapshot gathers the registry.
func (m *SessionMetrics) Snapshot() (Snapshot, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Requests:    map[string]float64{},
		Errors:      map[string]float64{},
		Resolutions: map[string]float64{},
		Commands:    map[string]float64{},
		Restores:    map[string]float64{},
	}
	for _, mf := range families {
		name := strings.TrimPrefix(mf.GetName(), namespace+"_")
		for _, metric := range mf.GetMetric() {
			value := metric.GetCounter().GetValue()
			key := labelKey(metric.GetLabel())
			switch name {
			case "http_requests_total":
				snap.Requests[key] = value
			case "http_retries_total":
				snap.Retries = value
			case "reauthentications_total":
				snap.Reauths = value
			case "cache_hits_total":
				snap.CacheHits = value
			case "cache_misses_total":
				snap.CacheMisses = value
			case "errors_total":
				snap.Errors[key] = value
			case "location_resolutions_total":
				snap.Resolutions[key] = value
			case "commands_total":
				snap.Commands[key] = value
			case "live_tracking_restores_total":
				snap.Restores[key] = value
			}
		}
	}
	return snap, nil
}

func labelKey(labels []*dto.LabelPair) string {
	values := make([]string, 0, len(labels))
	for _, l := range labels {
		values = append(values, l.GetValue())
	}
	return strings.Join(values, " ")
}
