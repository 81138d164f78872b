// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics collects reader, writer and reclamation metrics for RCU rings.
//
// Metrics implements rcu.Observer, so it can be handed to a ring through
// rcu.Config. Events are pushed onto a buffered channel and folded into
// counters and latency ring buffers by a background goroutine, which keeps the
// reader fast path free of locks.
//
// # Key Features
//
//   - Implements rcu.Observer: reads, read retries, updates, reclaims
//   - Update failures split by cause (exhausted ring, nil value, value in use, closed)
//   - Latency ring buffers for update duration and handle hold time
//   - Ring gauges (generation, outstanding handles, held generations, reader lag)
//   - Prometheus text and JSON export
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	ring, err := rcu.NewWithConfig(&cfg, rcu.Config[Settings]{
//	    Capacity: 10,
//	    Observer: m,
//	})
//
//	// ... use the ring ...
//
//	m.Flush()
//	stats := m.GetStats()
//	fmt.Printf("reads: %d, exhausted updates: %d\n",
//	    stats.Operations.Reads, stats.Errors.Exhausted)
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: call Close to stop it
//   - **Event Loss**: if the buffer is full, events are dropped rather than
//     blocking the reader. Dropped events are counted in Dropped.
//   - **Stats Latency**: GetStats reflects processed events only; call Flush
//     first when exact numbers matter
//
// # Thread Safety
//
// All methods are safe for concurrent use. Observe* calls after Close are ignored.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/lfrcu/internal/concurrency/rcu"
)

// Event types carried on the event channel.
const (
	eventRead           = "read"
	eventUpdate         = "update"
	eventReclaim        = "reclaim"
	eventHold           = "hold"
	eventErrorExhausted = "error_exhausted"
	eventErrorNil       = "error_nil"
	eventErrorInUse     = "error_in_use"
	eventErrorClosed    = "error_closed"
	eventErrorOther     = "error_other"
	eventFlush          = "flush"
)

// LatencyStats provides comprehensive latency statistics
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// OperationCounts tracks ring operations.
type OperationCounts struct {
	Reads       uint64 `json:"reads"`
	ReadRetries uint64 `json:"read_retries"`
	Updates     uint64 `json:"updates"`
	Reclaims    uint64 `json:"reclaims"`
}

// ErrorCounts tracks failed updates by cause.
type ErrorCounts struct {
	Exhausted uint64 `json:"exhausted"`
	NilValue  uint64 `json:"nil_value"`
	InUse     uint64 `json:"in_use"`
	Closed    uint64 `json:"closed"`
	Other     uint64 `json:"other"`
}

// Total returns the number of failed updates.
func (e ErrorCounts) Total() uint64 {
	return e.Exhausted + e.NilValue + e.InUse + e.Closed + e.Other
}

// RingMetrics holds gauges set by whoever owns the ring.
type RingMetrics struct {
	Generation      uint64 `json:"generation"`
	Outstanding     uint64 `json:"outstanding"`
	HeldGenerations uint64 `json:"held_generations"`
	Lag             uint64 `json:"lag"`
}

// LatencyMetrics tracks latency data.
type LatencyMetrics struct {
	Update LatencyStats `json:"update"`
	Hold   LatencyStats `json:"hold"`
}

// MetricsSnapshot provides a complete snapshot of all metrics
type MetricsSnapshot struct {
	Operations    OperationCounts `json:"operations"`
	Errors        ErrorCounts     `json:"errors"`
	Ring          RingMetrics     `json:"ring"`
	Latency       LatencyMetrics  `json:"latency"`
	Dropped       uint64          `json:"dropped"`
	Configuration MetricsConfig   `json:"config"`
}

// MetricEvent represents a single metric event
type MetricEvent struct {
	Type     string
	Duration time.Duration
	Count    int

	done chan struct{}
}

// DurationRingBuffer implements a thread-safe bounded ring buffer for time.Duration
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity.
// A capacity below one is raised to one.
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds an item, overwriting the oldest one when full.
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// GetAverage calculates the average of time.Duration values in the buffer
func (rb *DurationRingBuffer) GetAverage() time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < rb.count; i++ {
		total += rb.buffer[(rb.head+i)%rb.size]
	}
	return total / time.Duration(rb.count)
}

// GetStats calculates latency statistics over the buffered samples.
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	rb.mu.RUnlock()

	if len(values) == 0 {
		return LatencyStats{}
	}

	sort.Slice(values, func(i, j int) bool {
		return values[i] < values[j]
	})

	var total time.Duration
	for _, v := range values {
		total += v
	}

	return LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		P999:  percentile(values, 0.999),
	}
}

// percentile picks the pth percentile from sorted values.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// MetricsConfig provides configuration options for metrics collection
type MetricsConfig struct {
	BufferSize     int            `json:"buffer_size"`     // Size of event buffer
	LatencyBuffers map[string]int `json:"latency_buffers"` // Ring buffer size for "update" and "hold"
}

// DefaultMetricsConfig returns a default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize: 10000,
		LatencyBuffers: map[string]int{
			"update": 1000,
			"hold":   1000,
		},
	}
}

// Metrics accumulates ring events. It implements rcu.Observer.
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent
	dropped   atomic.Uint64
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.RWMutex

	ops     OperationCounts
	errs    ErrorCounts
	ring    RingMetrics
	update  *DurationRingBuffer
	holding *DurationRingBuffer
}

var _ rcu.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics instance with default configuration
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewBufferedMetrics creates a new metrics instance with configurable buffer size
func NewBufferedMetrics(bufferSize int) *Metrics {
	config := DefaultMetricsConfig()
	config.BufferSize = bufferSize
	return NewMetricsWithConfig(config)
}

// NewMetricsWithConfig creates a new metrics instance with custom configuration
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Metrics{
		config:    config,
		eventChan: make(chan MetricEvent, config.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		update:    NewDurationRingBuffer(config.LatencyBuffers["update"]),
		holding:   NewDurationRingBuffer(config.LatencyBuffers["hold"]),
	}

	m.wg.Add(1)
	go m.processEvents()

	return m
}

// processEvents folds events into the counters until Close, then drains
// whatever is still buffered.
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			for {
				select {
				case event := <-m.eventChan:
					m.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (m *Metrics) processEvent(event MetricEvent) {
	if event.Type == eventFlush {
		close(event.done)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case eventRead:
		m.ops.Reads++
		m.ops.ReadRetries += uint64(event.Count)
	case eventUpdate:
		m.ops.Updates++
		m.update.Push(event.Duration)
	case eventReclaim:
		m.ops.Reclaims++
	case eventHold:
		m.holding.Push(event.Duration)
	case eventErrorExhausted:
		m.errs.Exhausted++
	case eventErrorNil:
		m.errs.NilValue++
	case eventErrorInUse:
		m.errs.InUse++
	case eventErrorClosed:
		m.errs.Closed++
	case eventErrorOther:
		m.errs.Other++
	}
}

// send never blocks: a full buffer drops the event.
func (m *Metrics) send(event MetricEvent) {
	if m.closed.Load() {
		return
	}
	select {
	case m.eventChan <- event:
	default:
		m.dropped.Add(1)
	}
}

// ObserveRead records a completed Read and the retries it needed.
func (m *Metrics) ObserveRead(retries int) {
	m.send(MetricEvent{Type: eventRead, Count: retries})
}

// ObserveUpdate records an Update attempt. Successful updates feed the
// latency buffer; failures are counted by cause.
func (m *Metrics) ObserveUpdate(d time.Duration, err error) {
	m.send(MetricEvent{Type: updateEventType(err), Duration: d})
}

func updateEventType(err error) string {
	switch {
	case err == nil:
		return eventUpdate
	case errors.Is(err, rcu.ErrRingExhausted):
		return eventErrorExhausted
	case errors.Is(err, rcu.ErrNilValue):
		return eventErrorNil
	case errors.Is(err, rcu.ErrValueInUse):
		return eventErrorInUse
	case errors.Is(err, rcu.ErrClosed):
		return eventErrorClosed
	default:
		return eventErrorOther
	}
}

// ObserveReclaim records a reclaimed value.
func (m *Metrics) ObserveReclaim() {
	m.send(MetricEvent{Type: eventReclaim})
}

// RecordHold records how long a handle was held before release.
func (m *Metrics) RecordHold(d time.Duration) {
	m.send(MetricEvent{Type: eventHold, Duration: d})
}

// SetGeneration sets the ring's current generation.
func (m *Metrics) SetGeneration(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring.Generation = gen
}

// SetOutstanding sets the number of handles currently held.
func (m *Metrics) SetOutstanding(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring.Outstanding = n
}

// SetHeld sets the number of distinct generations held and how far the
// oldest one trails the current generation.
func (m *Metrics) SetHeld(generations, lag uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring.HeldGenerations = generations
	m.ring.Lag = lag
}

// Flush blocks until every event sent before it has been processed. It
// returns at once after Close.
func (m *Metrics) Flush() {
	if m.closed.Load() {
		return
	}
	done := make(chan struct{})
	select {
	case m.eventChan <- MetricEvent{Type: eventFlush, done: done}:
	case <-m.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-m.ctx.Done():
	}
}

// GetStats returns a snapshot of current metrics
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		Operations: m.ops,
		Errors:     m.errs,
		Ring:       m.ring,
		Latency: LatencyMetrics{
			Update: m.update.GetStats(),
			Hold:   m.holding.GetStats(),
		},
		Dropped:       m.dropped.Load(),
		Configuration: m.config,
	}
}

// ExportPrometheus exports metrics in Prometheus text format
func (m *Metrics) ExportPrometheus() string {
	stats := m.GetStats()
	var result string

	result += "# HELP rcu_reads_total Total number of reads\n"
	result += "# TYPE rcu_reads_total counter\n"
	result += fmt.Sprintf("rcu_reads_total %d\n", stats.Operations.Reads)

	result += "# HELP rcu_read_retries_total Reads that had to retry after racing a writer\n"
	result += "# TYPE rcu_read_retries_total counter\n"
	result += fmt.Sprintf("rcu_read_retries_total %d\n", stats.Operations.ReadRetries)

	result += "# HELP rcu_updates_total Total number of published values\n"
	result += "# TYPE rcu_updates_total counter\n"
	result += fmt.Sprintf("rcu_updates_total %d\n", stats.Operations.Updates)

	result += "# HELP rcu_reclaims_total Total number of reclaimed values\n"
	result += "# TYPE rcu_reclaims_total counter\n"
	result += fmt.Sprintf("rcu_reclaims_total %d\n", stats.Operations.Reclaims)

	result += "# HELP rcu_update_errors_total Failed updates by cause\n"
	result += "# TYPE rcu_update_errors_total counter\n"
	result += fmt.Sprintf("rcu_update_errors_total{cause=\"exhausted\"} %d\n", stats.Errors.Exhausted)
	result += fmt.Sprintf("rcu_update_errors_total{cause=\"nil_value\"} %d\n", stats.Errors.NilValue)
	result += fmt.Sprintf("rcu_update_errors_total{cause=\"in_use\"} %d\n", stats.Errors.InUse)
	result += fmt.Sprintf("rcu_update_errors_total{cause=\"closed\"} %d\n", stats.Errors.Closed)
	result += fmt.Sprintf("rcu_update_errors_total{cause=\"other\"} %d\n", stats.Errors.Other)

	result += "# HELP rcu_latency_nanoseconds Average latency\n"
	result += "# TYPE rcu_latency_nanoseconds gauge\n"
	result += fmt.Sprintf("rcu_latency_nanoseconds{operation=\"update\"} %d\n", stats.Latency.Update.Mean.Nanoseconds())
	result += fmt.Sprintf("rcu_latency_nanoseconds{operation=\"hold\"} %d\n", stats.Latency.Hold.Mean.Nanoseconds())

	result += "# HELP rcu_generation Current generation\n"
	result += "# TYPE rcu_generation gauge\n"
	result += fmt.Sprintf("rcu_generation %d\n", stats.Ring.Generation)

	result += "# HELP rcu_outstanding_handles Handles currently held\n"
	result += "# TYPE rcu_outstanding_handles gauge\n"
	result += fmt.Sprintf("rcu_outstanding_handles %d\n", stats.Ring.Outstanding)

	result += "# HELP rcu_held_generations Distinct generations pinned by handles\n"
	result += "# TYPE rcu_held_generations gauge\n"
	result += fmt.Sprintf("rcu_held_generations %d\n", stats.Ring.HeldGenerations)

	result += "# HELP rcu_reader_lag_generations Generations the oldest holder trails by\n"
	result += "# TYPE rcu_reader_lag_generations gauge\n"
	result += fmt.Sprintf("rcu_reader_lag_generations %d\n", stats.Ring.Lag)

	result += "# HELP rcu_metrics_dropped_total Events dropped because the buffer was full\n"
	result += "# TYPE rcu_metrics_dropped_total counter\n"
	result += fmt.Sprintf("rcu_metrics_dropped_total %d\n", stats.Dropped)

	return result
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() []byte {
	stats := m.GetStats()
	jsonData, _ := json.MarshalIndent(stats, "", "  ")
	return jsonData
}

// Close stops the processor after draining buffered events. It is safe to
// call more than once.
func (m *Metrics) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.cancel()
	m.wg.Wait()
}
