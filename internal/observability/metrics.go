package observability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MostProject/RoomChat/internal/resilience"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricName constants
const (
	MetricMessagesSent        = "MessagesSent"
	MetricMessagesDelivered   = "MessagesDelivered"
	MetricStaleConnections    = "StaleConnections"
	MetricDeliveryFailures    = "DeliveryFailures"
	MetricRoomsCreated        = "RoomsCreated"
	MetricDirectRoomsResolved = "DirectRoomsResolved"
	MetricLogins              = "Logins"
	MetricDisconnects         = "Disconnects"
	MetricHandlerErrors       = "HandlerErrors"
	MetricDynamoDBLatency     = "DynamoDBLatencyMs"
)

// CloudWatch accepts at most this many datums per PutMetricData call.
const batchSize = 20

// CloudWatchAPI is the subset of the CloudWatch client used for publishing
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metrics buffers counters and latencies and publishes them to CloudWatch on Flush.
// A nil *Metrics discards everything.
type Metrics struct {
	client    CloudWatchAPI
	namespace string
	env       string

	buffer   []types.MetricDatum
	bufferMu sync.Mutex

	// Trips after repeated PutMetricData failures so warm environments stop
	// paying for a CloudWatch outage on every invocation
	breaker *resilience.CircuitBreaker

	counters sync.Map // map[string]*int64

	// Optional Prometheus mirror used by the local server
	promCounters *prometheus.CounterVec
	promLatency  *prometheus.HistogramVec
}

// NewMetrics creates a new metrics collector. client may be nil, in which case
// Flush only resets the buffer.
func NewMetrics(client CloudWatchAPI, namespace, env string) *Metrics {
	return &Metrics{
		client:    client,
		namespace: namespace,
		env:       env,
		buffer:    make([]types.MetricDatum, 0, batchSize),
		breaker:   resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "cloudwatch",
			MaxFailures:  3,
			ResetTimeout: time.Minute,
		}),
	}
}

// EnablePrometheus mirrors every counter and latency into collectors registered on reg.
func (m *Metrics) EnablePrometheus(reg prometheus.Registerer) {
	m.promCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_events_total",
			Help: "Chat events by metric name.",
		},
		[]string{"metric"},
	)
	m.promLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_latency_seconds",
			Help:    "Latency of store and transport calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"metric"},
	)
	reg.MustRegister(m.promCounters, m.promLatency)
}

// Counter increments a counter metric
func (m *Metrics) Counter(name string, value int64) {
	if m == nil || value == 0 {
		return
	}
	v, _ := m.counters.LoadOrStore(name, new(int64))
	atomic.AddInt64(v.(*int64), value)
	if m.promCounters != nil {
		m.promCounters.WithLabelValues(name).Add(float64(value))
	}
}

// Latency records a latency metric in milliseconds
func (m *Metrics) Latency(name string, duration time.Duration) {
	if m == nil {
		return
	}
	m.addDatum(name, float64(duration.Milliseconds()), types.StandardUnitMilliseconds)
	if m.promLatency != nil {
		m.promLatency.WithLabelValues(name).Observe(duration.Seconds())
	}
}

// Timer returns a function to record latency
func (m *Metrics) Timer(name string) func() {
	start := time.Now()
	return func() {
		m.Latency(name, time.Since(start))
	}
}

// Snapshot returns the unflushed counter values
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	if m == nil {
		return out
	}
	m.counters.Range(func(key, value interface{}) bool {
		if n := atomic.LoadInt64(value.(*int64)); n > 0 {
			out[key.(string)] = n
		}
		return true
	})
	return out
}

func (m *Metrics) addDatum(name string, value float64, unit types.StandardUnit) {
	m.bufferMu.Lock()
	defer m.bufferMu.Unlock()
	m.buffer = append(m.buffer, m.datum(name, value, unit))
}

func (m *Metrics) datum(name string, value float64, unit types.StandardUnit) types.MetricDatum {
	return types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(time.Now().UTC()),
		Dimensions: []types.Dimension{
			{
				Name:  aws.String("Environment"),
				Value: aws.String(m.env),
			},
		},
	}
}

// Flush publishes all buffered metrics to CloudWatch. Lambda entrypoints call it
// before returning since the execution environment may freeze afterwards.
// Publishing is best effort: failures are logged, never returned.
func (m *Metrics) Flush(ctx context.Context) {
	if m == nil {
		return
	}

	m.counters.Range(func(key, value interface{}) bool {
		if count := atomic.SwapInt64(value.(*int64), 0); count > 0 {
			m.addDatum(key.(string), float64(count), types.StandardUnitCount)
		}
		return true
	})

	m.bufferMu.Lock()
	pending := m.buffer
	m.buffer = make([]types.MetricDatum, 0, batchSize)
	m.bufferMu.Unlock()

	if m.client == nil || len(pending) == 0 {
		return
	}

	for i := 0; i < len(pending); i += batchSize {
		end := i + batchSize
		if end > len(pending) {
			end = len(pending)
		}

		batch := pending[i:end]
		err := m.breaker.Execute(ctx, func(ctx context.Context) error {
			_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
				Namespace:  aws.String(m.namespace),
				MetricData: batch,
			})
			return err
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			FromContext(ctx).Warn(ctx, "CloudWatch circuit open, dropping metrics", map[string]interface{}{
				"dropped": len(pending) - i,
			})
			return
		}
		if err != nil {
			FromContext(ctx).WarnErr(ctx, "Failed to publish metrics", err, map[string]interface{}{
				"batch_size": end - i,
			})
		}
	}
}
