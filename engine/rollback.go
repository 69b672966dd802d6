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
	"github.com/medrelay/medrelay/api/types"
)

// startStack 已启动资源栈，失败时按 LIFO 回滚
// startStack records successfully started resources so a failed start can
// stop them in reverse order. Unwind never aborts: each stop error is logged
// and rollback continues with the remaining entries.
type startStack struct {
	logger  types.Logger
	entries []stackEntry
}

type stackEntry struct {
	name string
	stop func() error
}

func newStartStack(logger types.Logger) *startStack {
	return &startStack{logger: types.NewLogger(logger)}
}

// Push records a started resource with its stop function.
func (s *startStack) Push(name string, stop func() error) {
	s.entries = append(s.entries, stackEntry{name: name, stop: stop})
}

// Unwind stops every recorded resource in LIFO order.
func (s *startStack) Unwind() {
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if err := entry.stop(); err != nil {
			s.logger.Printf("rollback: stop %s: %v", entry.name, err)
		}
	}
	s.entries = nil
}
