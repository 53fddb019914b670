package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/sipcic/outbound-processor/internal/runtime/errors"
	loggingpkg "github.com/sipcic/outbound-processor/internal/runtime/logging"
	transportpkg "github.com/sipcic/outbound-processor/transport"
)

// DeadLetterMetrics tracks records that left the input queue through the
// dead-letter queue. The recorders are no-ops on a nil receiver.
type DeadLetterMetrics struct {
	mu sync.RWMutex

	queues map[string]*DeadLetterQueueMetrics

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	purgedTotal     *prometheus.CounterVec
	ageSecondsHist  *prometheus.HistogramVec
	retryCountHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DeadLetterQueueMetrics holds the counters of one dead-letter queue.
type DeadLetterQueueMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	MessagesReplayed uint64    `json:"messages_replayed"`
	MessagesPurged   uint64    `json:"messages_purged"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgDeliveryCount float64   `json:"avg_delivery_count"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DeadLetterSnapshot is a point-in-time view of all dead-letter queues.
type DeadLetterSnapshot struct {
	TotalMessages uint64                             `json:"total_messages"`
	TotalReplayed uint64                             `json:"total_replayed"`
	TotalPurged   uint64                             `json:"total_purged"`
	Queues        map[string]*DeadLetterQueueMetrics `json:"queues"`
	CollectedAt   time.Time                          `json:"collected_at"`
}

func deadLetterOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: "outbound",
		Subsystem: "deadletter",
		Name:      name,
		Help:      help,
	}
}

func newDeadLetterHistogramVec(name, help string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outbound",
			Subsystem: "deadletter",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		[]string{"queue"},
	)
}

// NewDeadLetterMetrics creates the collectors. Call Register to expose them.
func NewDeadLetterMetrics(registerer prometheus.Registerer) *DeadLetterMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DeadLetterMetrics{
		queues:          make(map[string]*DeadLetterQueueMetrics),
		registerer:      registerer,
		messagesTotal:   prometheus.NewCounterVec(prometheus.CounterOpts(deadLetterOpts("messages_total", "Records sent to the dead-letter queue")), []string{"queue", "handler"}),
		messagesCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts(deadLetterOpts("messages_current", "Records currently held in the dead-letter queue")), []string{"queue"}),
		replayedTotal:   prometheus.NewCounterVec(prometheus.CounterOpts(deadLetterOpts("replayed_total", "Records replayed from the dead-letter queue")), []string{"queue"}),
		purgedTotal:     prometheus.NewCounterVec(prometheus.CounterOpts(deadLetterOpts("purged_total", "Records purged from the dead-letter queue")), []string{"queue"}),
		ageSecondsHist:  newDeadLetterHistogramVec("message_age_seconds", "Time between enqueue and dead-lettering", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}),
		retryCountHist:  newDeadLetterHistogramVec("retry_count", "Delivery attempts before a record was dead-lettered", []float64{1, 2, 3, 5, 10, 20}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DeadLetterMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.messagesCurrent,
		m.replayedTotal,
		m.purgedTotal,
		m.ageSecondsHist,
		m.retryCountHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordMessageToDeadLetter records one record leaving through queue after
// attempts deliveries.
func (m *DeadLetterMetrics) RecordMessageToDeadLetter(queue, handler string, attempts int, age time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	q := m.queueLocked(queue)
	q.MessagesReceived++
	q.MessagesCurrent++
	q.LastUpdatedAt = now
	if q.OldestMessageAt.IsZero() {
		q.OldestMessageAt = now
	}
	q.NewestMessageAt = now

	total := q.MessagesReceived
	q.AvgDeliveryCount = ((q.AvgDeliveryCount * float64(total-1)) + float64(attempts)) / float64(total)

	m.messagesTotal.WithLabelValues(queue, handler).Inc()
	m.messagesCurrent.WithLabelValues(queue).Set(float64(q.MessagesCurrent))
	m.ageSecondsHist.WithLabelValues(queue).Observe(age.Seconds())
	m.retryCountHist.WithLabelValues(queue).Observe(float64(attempts))
}

// RecordMessagesReplayed records count records moved back to the input queue.
func (m *DeadLetterMetrics) RecordMessagesReplayed(queue string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queueLocked(queue)
	q.MessagesReplayed += uint64(count)
	q.MessagesCurrent = saturatingSub(q.MessagesCurrent, uint64(count))
	q.LastUpdatedAt = time.Now()

	m.replayedTotal.WithLabelValues(queue).Add(float64(count))
	m.messagesCurrent.WithLabelValues(queue).Set(float64(q.MessagesCurrent))
}

// RecordMessagesPurged records count records deleted from the dead-letter store.
func (m *DeadLetterMetrics) RecordMessagesPurged(queue string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queueLocked(queue)
	q.MessagesPurged += uint64(count)
	q.MessagesCurrent = saturatingSub(q.MessagesCurrent, uint64(count))
	q.LastUpdatedAt = time.Now()

	m.purgedTotal.WithLabelValues(queue).Add(float64(count))
	m.messagesCurrent.WithLabelValues(queue).Set(float64(q.MessagesCurrent))
}

// SetCurrentCount syncs the gauge with a count read from the transport.
func (m *DeadLetterMetrics) SetCurrentCount(queue string, count uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queueLocked(queue)
	q.MessagesCurrent = count
	q.LastUpdatedAt = time.Now()

	m.messagesCurrent.WithLabelValues(queue).Set(float64(count))
}

// Snapshot returns copies of every queue's metrics.
func (m *DeadLetterMetrics) Snapshot() DeadLetterSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DeadLetterSnapshot{
		Queues:      make(map[string]*DeadLetterQueueMetrics, len(m.queues)),
		CollectedAt: time.Now(),
	}
	for name, q := range m.queues {
		copied := *q
		snapshot.Queues[name] = &copied
		snapshot.TotalMessages += q.MessagesCurrent
		snapshot.TotalReplayed += q.MessagesReplayed
		snapshot.TotalPurged += q.MessagesPurged
	}
	return snapshot
}

// QueueMetrics returns a copy of one queue's metrics, or nil when nothing was recorded.
func (m *DeadLetterMetrics) QueueMetrics(queue string) *DeadLetterQueueMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	copied := *q
	return &copied
}

// Reset clears all metrics.
func (m *DeadLetterMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = make(map[string]*DeadLetterQueueMetrics)
	m.messagesTotal.Reset()
	m.messagesCurrent.Reset()
	m.replayedTotal.Reset()
	m.purgedTotal.Reset()
	m.ageSecondsHist.Reset()
	m.retryCountHist.Reset()
}

func (m *DeadLetterMetrics) queueLocked(queue string) *DeadLetterQueueMetrics {
	if q, ok := m.queues[queue]; ok {
		return q
	}
	q := &DeadLetterQueueMetrics{}
	m.queues[queue] = q
	return q
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// DeadLetterMetrics returns the service's dead-letter collectors.
func (s *Service) DeadLetterMetrics() *DeadLetterMetrics {
	return s.deadLetterMetrics
}

// deadLetterStore returns the transport's native dead-letter store, if any.
func (s *Service) deadLetterStore() (transportpkg.DLQManager, bool) {
	if s.subscriber == nil {
		return nil, false
	}
	store, ok := s.subscriber.(transportpkg.DLQManager)
	return store, ok
}

// DeadLetterCount reports how many records of the input queue sit in the
// transport's dead-letter store and syncs the gauge with it.
func (s *Service) DeadLetterCount() (int64, error) {
	store, ok := s.deadLetterStore()
	if !ok {
		return 0, errspkg.ErrDeadLetterUnsupported
	}
	count, err := store.GetDLQCount(s.Conf.InputQueue)
	if err != nil {
		return 0, err
	}
	if count >= 0 {
		s.deadLetterMetrics.SetCurrentCount(s.Conf.DeadLetterQueue, uint64(count))
	}
	return count, nil
}

// ListDeadLetters pages through the transport's dead-letter store.
func (s *Service) ListDeadLetters(limit, offset int) ([]transportpkg.DLQMessage, error) {
	lister, ok := s.subscriber.(transportpkg.DLQLister)
	if !ok {
		return nil, errspkg.ErrDeadLetterUnsupported
	}
	return lister.ListDLQMessages(s.Conf.InputQueue, limit, offset)
}

// ReplayDeadLetter moves one dead-lettered record back to the input queue.
func (s *Service) ReplayDeadLetter(id int64) error {
	store, ok := s.deadLetterStore()
	if !ok {
		return errspkg.ErrDeadLetterUnsupported
	}
	if err := store.ReplayDLQMessage(id); err != nil {
		return err
	}
	s.deadLetterMetrics.RecordMessagesReplayed(s.Conf.DeadLetterQueue, 1)
	s.Logger.Info("Dead letter replayed", loggingpkg.LogFields{"dlq_id": id, "queue": s.Conf.InputQueue})
	return nil
}

// ReplayAllDeadLetters moves every dead-lettered record back to the input queue.
func (s *Service) ReplayAllDeadLetters() (int64, error) {
	store, ok := s.deadLetterStore()
	if !ok {
		return 0, errspkg.ErrDeadLetterUnsupported
	}
	n, err := store.ReplayAllDLQ(s.Conf.InputQueue)
	if err != nil {
		return 0, err
	}
	s.deadLetterMetrics.RecordMessagesReplayed(s.Conf.DeadLetterQueue, n)
	s.Logger.Info("Dead letters replayed", loggingpkg.LogFields{"count": n, "queue": s.Conf.InputQueue})
	return n, nil
}

// PurgeDeadLetters deletes every dead-lettered record of the input queue.
func (s *Service) PurgeDeadLetters() (int64, error) {
	store, ok := s.deadLetterStore()
	if !ok {
		return 0, errspkg.ErrDeadLetterUnsupported
	}
	n, err := store.PurgeDLQ(s.Conf.InputQueue)
	if err != nil {
		return 0, err
	}
	s.deadLetterMetrics.RecordMessagesPurged(s.Conf.DeadLetterQueue, n)
	s.Logger.Info("Dead letters purged", loggingpkg.LogFields{"count": n, "queue": s.Conf.InputQueue})
	return n, nil
}
