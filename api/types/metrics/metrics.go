/*
 * Copyright 2024 The MedRelay Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package metrics

import (
	"sync/atomic"
)

// ChannelMetrics holds the in-memory message statistics of one channel.
// Counters are incremented synchronously during dispatch with atomic adds;
// multiple messages may be in flight on the same channel concurrently.
type ChannelMetrics struct {
	Received int64
	Filtered int64
	Queued   int64
	Sent     int64
	Error    int64
}

// NewChannelMetrics creates a new instance of ChannelMetrics.
func NewChannelMetrics() *ChannelMetrics {
	return &ChannelMetrics{}
}

// IncrementReceived increases the received count. It is incremented exactly
// once per dispatched message, as soon as intake begins.
func (m *ChannelMetrics) IncrementReceived() {
	atomic.AddInt64(&m.Received, 1)
}

// IncrementFiltered increases the filtered count.
func (m *ChannelMetrics) IncrementFiltered() {
	atomic.AddInt64(&m.Filtered, 1)
}

// IncrementQueued increases the queued count.
func (m *ChannelMetrics) IncrementQueued() {
	atomic.AddInt64(&m.Queued, 1)
}

// IncrementSent increases the sent count.
func (m *ChannelMetrics) IncrementSent() {
	atomic.AddInt64(&m.Sent, 1)
}

// IncrementError increases the error count.
func (m *ChannelMetrics) IncrementError() {
	atomic.AddInt64(&m.Error, 1)
}

// DecrementQueued decreases the queued count, used when a queue processor
// resolves a QUEUED message to SENT or ERROR.
func (m *ChannelMetrics) DecrementQueued() {
	atomic.AddInt64(&m.Queued, -1)
}

// Get returns a copy of the current metrics.
func (m *ChannelMetrics) Get() ChannelMetrics {
	return ChannelMetrics{
		Received: atomic.LoadInt64(&m.Received),
		Filtered: atomic.LoadInt64(&m.Filtered),
		Queued:   atomic.LoadInt64(&m.Queued),
		Sent:     atomic.LoadInt64(&m.Sent),
		Error:    atomic.LoadInt64(&m.Error),
	}
}

// Load overwrites the counters from a persisted snapshot, used when a
// channel reloads statistics at start.
func (m *ChannelMetrics) Load(received, filtered, queued, sent, errored int64) {
	atomic.StoreInt64(&m.Received, received)
	atomic.StoreInt64(&m.Filtered, filtered)
	atomic.StoreInt64(&m.Queued, queued)
	atomic.StoreInt64(&m.Sent, sent)
	atomic.StoreInt64(&m.Error, errored)
}

// Reset resets all metrics to zero.
func (m *ChannelMetrics) Reset() {
	m.Load(0, 0, 0, 0, 0)
}
