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

package engine

import (
	"sync"

	"github.com/medrelay/medrelay/api/types"
)

// StateNotifier 状态变更通知器
// StateNotifier fans channel state transitions out to zero or more
// subscribers. Listeners are invoked asynchronously and can neither block nor
// fail the emitter; a panicking listener is logged and dropped from that
// emission only.
type StateNotifier struct {
	lock      sync.RWMutex
	listeners map[int]types.OnStateChangeFunc
	nextID    int
	pool      types.Pool
	logger    types.Logger
}

// NewStateNotifier creates a notifier. pool may be nil, in which case plain
// go routines carry the notifications.
func NewStateNotifier(pool types.Pool, logger types.Logger) *StateNotifier {
	return &StateNotifier{
		listeners: make(map[int]types.OnStateChangeFunc),
		pool:      pool,
		logger:    types.NewLogger(logger),
	}
}

// Subscribe registers a listener and returns its subscription id.
func (n *StateNotifier) Subscribe(fn types.OnStateChangeFunc) int {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.nextID++
	id := n.nextID
	n.listeners[id] = fn
	return id
}

// Unsubscribe removes a listener by subscription id.
func (n *StateNotifier) Unsubscribe(id int) {
	n.lock.Lock()
	defer n.lock.Unlock()
	delete(n.listeners, id)
}

// Emit delivers the state change to every listener without blocking the
// caller.
func (n *StateNotifier) Emit(change types.StateChange) {
	n.lock.RLock()
	listeners := make([]types.OnStateChangeFunc, 0, len(n.listeners))
	for _, fn := range n.listeners {
		listeners = append(listeners, fn)
	}
	n.lock.RUnlock()

	for _, fn := range listeners {
		fn := fn
		task := func() {
			defer func() {
				if caught := recover(); caught != nil {
					n.logger.Printf("state listener panic: %v", caught)
				}
			}()
			fn(change)
		}
		if n.pool != nil {
			if err := n.pool.Submit(task); err == nil {
				continue
			}
		}
		go task()
	}
}
