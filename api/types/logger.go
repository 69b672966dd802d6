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
	"log"
	"os"
)

// Logger 日志接口，任何实现 Printf 的日志器都可接入
// Logger is the minimal logging surface the engine writes to. Any logger
// exposing Printf can be plugged in.
type Logger interface {
	Printf(format string, v ...interface{})
}

// safeguard: break at compile time if *log.Logger stops satisfying Logger
var _ Logger = &log.Logger{}

// DefaultLogger returns the standard library logger used when no custom
// logger is configured.
func DefaultLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags|log.Lmsgprefix)
}

// NewLogger returns custom when non-nil, else the default logger.
func NewLogger(custom Logger) Logger {
	if custom != nil {
		return custom
	}
	return DefaultLogger()
}
