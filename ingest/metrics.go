package ingest

import "github.com/prometheus/client_golang/prometheus"

// Record outcome label values.
const (
	outcomeSuccess   = "success"
	outcomeEmpty     = "empty"
	outcomeMalformed = "malformed"
)

// Metrics holds the loop collectors. A nil *Metrics records nothing.
type Metrics struct {
	polls      prometheus.Counter
	pollErrors prometheus.Counter
	records    *prometheus.CounterVec
	batchSize  prometheus.Histogram
	panics     prometheus.Counter
}

// NewMetrics creates the loop collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commandhub",
			Subsystem: "ingest",
			Name:      "polls_total",
			Help:      "Number of transport polls.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commandhub",
			Subsystem: "ingest",
			Name:      "poll_errors_total",
			Help:      "Number of polls that failed with a transport error.",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commandhub",
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Number of polled records by decode outcome.",
		}, []string{"outcome"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "commandhub",
			Subsystem: "ingest",
			Name:      "batch_size",
			Help:      "Number of records returned by one poll.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commandhub",
			Subsystem: "ingest",
			Name:      "callback_panics_total",
			Help:      "Number of callback invocations that panicked.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.polls, m.pollErrors, m.records, m.batchSize, m.panics} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) observePoll(n int) {
	if m == nil {
		return
	}

	m.polls.Inc()
	m.batchSize.Observe(float64(n))
}

func (m *Metrics) observePollError() {
	if m == nil {
		return
	}

	m.pollErrors.Inc()
}

func (m *Metrics) observeRecord(outcome string) {
	if m == nil {
		return
	}

	m.records.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observePanic() {
	if m == nil {
		return
	}

	m.panics.Inc()
}
