package backpressure

import (
	"sync/atomic"
	"time"
)

// Metrics observes a channel. Implementations must not block; nothing they
// return feeds back into control flow.
type Metrics interface {
	RecordDone()
	RecordDropped()
	RecordFailed()
	UpdateQueueSize(delta int)
	ResetQueueSize()
	RecordProcessingTime(d time.Duration)
}

type NopMetrics struct{}

func (NopMetrics) RecordDone()                        {}
func (NopMetrics) RecordDropped()                     {}
func (NopMetrics) RecordFailed()                      {}
func (NopMetrics) UpdateQueueSize(int)                {}
func (NopMetrics) ResetQueueSize()                    {}
func (NopMetrics) RecordProcessingTime(time.Duration) {}

// CountingMetrics keeps everything in process memory.
type CountingMetrics struct {
	Done      atomic.Int64
	Dropped   atomic.Int64
	Failed    atomic.Int64
	QueueSize atomic.Int64
	Samples   atomic.Int64
	TotalTime atomic.Int64
}

func (m *CountingMetrics) RecordDone()               { m.Done.Add(1) }
func (m *CountingMetrics) RecordDropped()            { m.Dropped.Add(1) }
func (m *CountingMetrics) RecordFailed()             { m.Failed.Add(1) }
func (m *CountingMetrics) UpdateQueueSize(delta int) { m.QueueSize.Add(int64(delta)) }
func (m *CountingMetrics) ResetQueueSize()           { m.QueueSize.Store(0) }

func (m *CountingMetrics) RecordProcessingTime(d time.Duration) {
	m.Samples.Add(1)
	m.TotalTime.Add(int64(d))
}
