// Package transactions times each API call and reports pass/fail metrics
package transactions

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"api-replay/internal/common/logging"
)

const (
	StatusPass = "pass"
	StatusFail = "fail"

	DurationMetricName = "api_replay_transaction_duration_seconds"
	TotalMetricName    = "api_replay_transactions_total"
)

// Recorder creates transactions and owns their collectors
type Recorder struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
	now      func() time.Time
	logger   logging.Logger
}

// NewRecorder registers the transaction collectors on reg
func NewRecorder(reg prometheus.Registerer, logger logging.Logger) (*Recorder, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	r := &Recorder{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    DurationMetricName,
				Help:    "API call duration by transaction name and outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"name", "status"},
		),
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: TotalMetricName,
				Help: "API calls by transaction name and outcome.",
			},
			[]string{"name", "status"},
		),
		now:    time.Now,
		logger: logger,
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{r.duration, r.total} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Start opens a transaction named after an API descriptor
func (r *Recorder) Start(name string) *Transaction {
	return &Transaction{
		name:     name,
		started:  r.now(),
		status:   StatusPass,
		recorder: r,
	}
}

// Transaction is one timed API call. End records it exactly once.
type Transaction struct {
	name     string
	started  time.Time
	recorder *Recorder

	mu     sync.Mutex
	status string
	err    error
	once   sync.Once
}

// Pass marks the transaction successful
func (t *Transaction) Pass() {
	t.mu.Lock()
	t.status = StatusPass
	t.err = nil
	t.mu.Unlock()
}

// Fail marks the transaction failed
func (t *Transaction) Fail(err error) {
	t.mu.Lock()
	t.status = StatusFail
	t.err = err
	t.mu.Unlock()
}

// Status returns the current outcome
func (t *Transaction) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// End records the transaction. Calls after the first are ignored.
func (t *Transaction) End() {
	t.once.Do(func() {
		t.mu.Lock()
		status, err := t.status, t.err
		t.mu.Unlock()

		elapsed := t.recorder.now().Sub(t.started)
		t.recorder.duration.WithLabelValues(t.name, status).Observe(elapsed.Seconds())
		t.recorder.total.WithLabelValues(t.name, status).Inc()

		fields := []logging.Field{
			logging.String("transaction", t.name),
			logging.String("status", status),
			logging.Duration("elapsed", elapsed),
		}
		if err != nil {
			t.recorder.logger.Error("Transaction failed", err, fields...)
			return
		}
		t.recorder.logger.Debug("Transaction completed", fields...)
	})
}
