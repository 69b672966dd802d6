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
	"testing"
	"time"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/test/assert"
)

func queuedMessage(id int64) *types.ConnectorMessage {
	return types.NewConnectorMessage("ch01", "test", id, 1, "server01", time.Now())
}

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()

	assert.Nil(t, q.Add(queuedMessage(1)))
	assert.Nil(t, q.Add(queuedMessage(2)))
	assert.Equal(t, 2, q.Size())

	msg, ok := q.Poll(context.Background())
	assert.True(t, ok)
	assert.Equal(t, int64(1), msg.MessageID)
	msg, ok = q.Poll(context.Background())
	assert.True(t, ok)
	assert.Equal(t, int64(2), msg.MessageID)
	assert.Equal(t, 0, q.Size())
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	assert.Nil(t, q.Add(queuedMessage(1)))
	err := q.Add(queuedMessage(2))
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestMemoryQueuePollTimeout(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	msg, ok := q.Poll(ctx)
	assert.False(t, ok)
	assert.Nil(t, msg)
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(2)
	assert.Nil(t, q.Add(queuedMessage(1)))
	q.Close()

	err := q.Add(queuedMessage(2))
	assert.True(t, errors.Is(err, ErrQueueClosed))

	// queued messages drain after close
	msg, ok := q.Poll(context.Background())
	assert.True(t, ok)
	assert.Equal(t, int64(1), msg.MessageID)
	_, ok = q.Poll(context.Background())
	assert.False(t, ok)

	// double close is safe
	q.Close()
}
