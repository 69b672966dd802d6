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
	"strings"
	"testing"
	"time"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/test/assert"
)

func newTestMessage(content string) *types.ConnectorMessage {
	msg := types.NewConnectorMessage("ch01", "test", 1, 0, "server01", time.Now())
	msg.ConnectorName = "Source"
	msg.SetContent(types.ContentTypeRaw, content, types.TEXT)
	return msg
}

func TestGojaFilter(t *testing.T) {
	executor := NewGojaExecutor(types.NewConfig())
	defer executor.Stop()

	msg := newTestMessage("MSH|^~\\&|LAB|")
	accepted, err := executor.ExecuteFilter(context.Background(), "return msg.content.indexOf('MSH') === 0;", msg)
	assert.Nil(t, err)
	assert.True(t, accepted)

	accepted, err = executor.ExecuteFilter(context.Background(), "return msg.content.indexOf('ADT') === 0;", msg)
	assert.Nil(t, err)
	assert.False(t, accepted)
}

func TestGojaFilterNonBoolean(t *testing.T) {
	executor := NewGojaExecutor(types.NewConfig())
	defer executor.Stop()

	msg := newTestMessage("MSH|")
	_, err := executor.ExecuteFilter(context.Background(), "return 'yes';", msg)
	assert.NotNil(t, err)
}

func TestGojaTransformer(t *testing.T) {
	executor := NewGojaExecutor(types.NewConfig())
	defer executor.Stop()

	msg := newTestMessage("hello")
	out, err := executor.ExecuteTransformer(context.Background(), "return msg.content.toUpperCase();", msg)
	assert.Nil(t, err)
	assert.Equal(t, "HELLO", out)

	// undefined return keeps the current content
	out, err = executor.ExecuteTransformer(context.Background(), "var x = 1;", msg)
	assert.Nil(t, err)
	assert.Equal(t, "", out)
}

func TestGojaMapMutation(t *testing.T) {
	executor := NewGojaExecutor(types.NewConfig())
	defer executor.Stop()

	msg := newTestMessage("hello")
	_, err := executor.ExecuteTransformer(context.Background(),
		"msg.channelMap['mrn'] = '12345'; return msg.content;", msg)
	assert.Nil(t, err)
	assert.Equal(t, "12345", msg.ChannelMap.GetString("mrn"))
	assert.True(t, msg.ChannelMap.Has("mrn"))
}

func TestGojaProperties(t *testing.T) {
	config := types.NewConfig(types.WithProperties(map[string]interface{}{"facility": "GENHOS"}))
	executor := NewGojaExecutor(config)
	defer executor.Stop()

	msg := newTestMessage("x")
	out, err := executor.ExecuteTransformer(context.Background(), "return global.facility;", msg)
	assert.Nil(t, err)
	assert.Equal(t, "GENHOS", out)
}

func TestGojaCompileError(t *testing.T) {
	executor := NewGojaExecutor(types.NewConfig())
	defer executor.Stop()

	msg := newTestMessage("x")
	_, err := executor.ExecuteFilter(context.Background(), "return ((", msg)
	assert.NotNil(t, err)
}

func TestGojaTimeout(t *testing.T) {
	config := types.NewConfig(types.WithScriptMaxExecutionTime(50 * time.Millisecond))
	executor := NewGojaExecutor(config)
	defer executor.Stop()

	msg := newTestMessage("x")
	start := time.Now()
	_, err := executor.ExecuteFilter(context.Background(), "while (true) {}", msg)
	assert.NotNil(t, err)
	assert.True(t, time.Since(start) < 2*time.Second)
}

func TestGojaDeployUndeploy(t *testing.T) {
	executor := NewGojaExecutor(types.NewConfig())
	defer executor.Stop()

	err := executor.ExecuteDeploy(context.Background(), "var ready = msg.channelId;", "ch01")
	assert.Nil(t, err)
	err = executor.ExecuteUndeploy(context.Background(), "var done = true;", "ch01")
	assert.Nil(t, err)
}

func TestGojaPostprocessor(t *testing.T) {
	executor := NewGojaExecutor(types.NewConfig())
	defer executor.Stop()

	message := types.NewMessage("ch01", 7, "server01", time.Now())
	source := types.NewConnectorMessage("ch01", "test", 7, 0, "server01", time.Now())
	source.ConnectorName = "Source"
	source.SetContent(types.ContentTypeRaw, "payload", types.TEXT)
	message.ConnectorMessages[0] = source
	dest := types.NewConnectorMessage("ch01", "test", 7, 1, "server01", time.Now())
	dest.ConnectorName = "Destination 1"
	dest.Status = types.StatusSent
	message.ConnectorMessages[1] = dest

	out, err := executor.ExecutePostprocessor(context.Background(),
		"return msg.destinationStatuses['Destination 1'];", message)
	assert.Nil(t, err)
	assert.True(t, strings.Contains(out, "SENT"))
}
