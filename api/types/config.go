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

package types

import (
	"time"
)

// Config defines the engine-wide configuration shared by channels and
// connectors. Build it with NewConfig and functional options.
type Config struct {
	// Logger is the logging interface, defaulting to DefaultLogger().
	Logger Logger
	// Pool is the coroutine pool used for queue processors and state-change
	// fan-out. If nil, plain go routines are used.
	Pool Pool
	// ScriptExecutor runs channel and connector scripts. When nil the engine
	// installs the default goja executor at deploy time.
	ScriptExecutor ScriptExecutor
	// ScriptMaxExecutionTime is the maximum execution time for scripts,
	// defaulting to 2000 milliseconds.
	ScriptMaxExecutionTime time.Duration
	// Properties are global key-value properties exposed to scripts as the
	// `global` variable.
	Properties map[string]interface{}
	// OnStateChange is an always-attached state transition listener, in
	// addition to any listeners subscribed at runtime.
	OnStateChange OnStateChangeFunc
	// QueueRetryInterval is the fixed wait between retry attempts of a queue
	// processor, defaulting to 10 seconds.
	QueueRetryInterval time.Duration
	// QueueBufferSize bounds in-memory retry queues, defaulting to 1000.
	QueueBufferSize int
}

// NewConfig creates a new Config with default values and applies the
// provided options.
func NewConfig(opts ...Option) Config {
	c := &Config{
		ScriptMaxExecutionTime: time.Millisecond * 2000,
		Logger:                 DefaultLogger(),
		Properties:             make(map[string]interface{}),
		QueueRetryInterval:     time.Second * 10,
		QueueBufferSize:        1000,
	}
	for _, opt := range opts {
		_ = opt(c)
	}
	return *c
}
