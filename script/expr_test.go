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

package script

import (
	"context"
	"errors"
	"testing"

	"github.com/medrelay/medrelay/test/assert"
)

func TestExprFilter(t *testing.T) {
	executor := NewExprExecutor()
	defer executor.Stop()

	msg := newTestMessage("MSH|^~\\&|LAB|")
	accepted, err := executor.ExecuteFilter(context.Background(), `content startsWith "MSH"`, msg)
	assert.Nil(t, err)
	assert.True(t, accepted)

	accepted, err = executor.ExecuteFilter(context.Background(), `content startsWith "ADT"`, msg)
	assert.Nil(t, err)
	assert.False(t, accepted)
}

func TestExprFilterScope(t *testing.T) {
	executor := NewExprExecutor()
	defer executor.Stop()

	msg := newTestMessage("x")
	msg.ChannelMap.Put("priority", "high")
	accepted, err := executor.ExecuteFilter(context.Background(), `channelMap["priority"] == "high"`, msg)
	assert.Nil(t, err)
	assert.True(t, accepted)
}

func TestExprFilterNonBoolean(t *testing.T) {
	executor := NewExprExecutor()
	defer executor.Stop()

	msg := newTestMessage("x")
	_, err := executor.ExecuteFilter(context.Background(), `content`, msg)
	assert.NotNil(t, err)
}

func TestExprTransformer(t *testing.T) {
	executor := NewExprExecutor()
	defer executor.Stop()

	msg := newTestMessage("hello")
	out, err := executor.ExecuteTransformer(context.Background(), `upper(content)`, msg)
	assert.Nil(t, err)
	assert.Equal(t, "HELLO", out)
}

func TestExprCompileError(t *testing.T) {
	executor := NewExprExecutor()
	defer executor.Stop()

	msg := newTestMessage("x")
	_, err := executor.ExecuteFilter(context.Background(), `content ==`, msg)
	assert.NotNil(t, err)
}

func TestExprUnsupportedKinds(t *testing.T) {
	executor := NewExprExecutor()
	defer executor.Stop()

	_, err := executor.ExecutePreprocessor(context.Background(), "1", nil)
	assert.True(t, errors.Is(err, ErrExprUnsupported))
	assert.True(t, errors.Is(executor.ExecuteDeploy(context.Background(), "1", "ch01"), ErrExprUnsupported))
	assert.True(t, errors.Is(executor.ExecuteUndeploy(context.Background(), "1", "ch01"), ErrExprUnsupported))
}
