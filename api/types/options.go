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

// Option is a function type that modifies the Config.
type Option func(*Config) error

// WithLogger is an option that sets the logger of the Config.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}

// WithPool is an option that sets the coroutine pool of the Config.
func WithPool(pool Pool) Option {
	return func(c *Config) error {
		c.Pool = pool
		return nil
	}
}

// WithScriptExecutor is an option that sets the script executor of the Config.
func WithScriptExecutor(executor ScriptExecutor) Option {
	return func(c *Config) error {
		c.ScriptExecutor = executor
		return nil
	}
}

// WithScriptMaxExecutionTime is an option that sets the script max execution
// time of the Config.
func WithScriptMaxExecutionTime(scriptMaxExecutionTime time.Duration) Option {
	return func(c *Config) error {
		c.ScriptMaxExecutionTime = scriptMaxExecutionTime
		return nil
	}
}

// WithProperties is an option that sets the global script properties.
func WithProperties(properties map[string]interface{}) Option {
	return func(c *Config) error {
		c.Properties = properties
		return nil
	}
}

// WithOnStateChange is an option that sets the always-attached state change
// listener of the Config.
func WithOnStateChange(onStateChange OnStateChangeFunc) Option {
	return func(c *Config) error {
		c.OnStateChange = onStateChange
		return nil
	}
}

// WithQueueRetryInterval is an option that sets the queue retry interval.
func WithQueueRetryInterval(interval time.Duration) Option {
	return func(c *Config) error {
		c.QueueRetryInterval = interval
		return nil
	}
}

// WithQueueBufferSize is an option that sets the retry queue capacity.
func WithQueueBufferSize(size int) Option {
	return func(c *Config) error {
		c.QueueBufferSize = size
		return nil
	}
}
