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

package connector

import (
	"context"
	"errors"
	"sync"

	"github.com/medrelay/medrelay/api/types"
)

var (
	// ErrQueueFull is returned by Add when the queue buffer has no room.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned by Add after Close.
	ErrQueueClosed = errors.New("queue is closed")
)

var _ types.Queue = (*MemoryQueue)(nil)

// MemoryQueue 内存重试队列
// MemoryQueue is a bounded FIFO retry queue backed by a channel. Messages
// queued here do not survive a restart; recovery re-queues them from the
// message store.
type MemoryQueue struct {
	ch     chan *types.ConnectorMessage
	lock   sync.Mutex
	closed bool
}

// NewMemoryQueue creates a queue with the given capacity, minimum 1.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryQueue{ch: make(chan *types.ConnectorMessage, capacity)}
}

// Add enqueues a connector message without blocking.
func (q *MemoryQueue) Add(msg *types.ConnectorMessage) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Poll removes the head of the queue, blocking until a message arrives, the
// context is done, or the queue is closed and drained.
func (q *MemoryQueue) Poll(ctx context.Context) (*types.ConnectorMessage, bool) {
	select {
	case msg, ok := <-q.ch:
		if !ok || msg == nil {
			return nil, false
		}
		return msg, true
	case <-ctx.Done():
		return nil, false
	}
}

// Size returns the number of queued messages.
func (q *MemoryQueue) Size() int {
	return len(q.ch)
}

// Close rejects further Adds. Queued messages can still be drained by Poll.
func (q *MemoryQueue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
