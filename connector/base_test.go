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
	"strings"
	"testing"
	"time"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/test"
	"github.com/medrelay/medrelay/test/assert"
)

func newBaseTestMessage(content string) *types.ConnectorMessage {
	msg := types.NewConnectorMessage("ch01", "test", 1, 1, "server01", time.Now())
	msg.SetContent(types.ContentTypeRaw, content, types.TEXT)
	return msg
}

func TestInitBaseDecodesCommonKeys(t *testing.T) {
	var base BaseConnector
	err := base.InitBase(types.NewConfig(types.WithScriptExecutor(&test.Executor{})), types.Configuration{
		"name":         "hl7 out",
		"filterScript": "return true;",
	})
	assert.Nil(t, err)
	assert.Equal(t, "hl7 out", base.Name())
	assert.Equal(t, "return true;", base.FilterScript)
}

func TestInitBaseRequiresExecutorForScripts(t *testing.T) {
	var base BaseConnector
	err := base.InitBase(types.NewConfig(), types.Configuration{
		"transformerScript": "return content;",
	})
	assert.True(t, errors.Is(err, ErrNoExecutor))

	// no scripts, no executor needed
	var plain BaseConnector
	assert.Nil(t, plain.InitBase(types.NewConfig(), types.Configuration{"name": "plain"}))
}

func TestBaseConnectorFilterDefaultsToAccept(t *testing.T) {
	var base BaseConnector
	assert.Nil(t, base.InitBase(types.NewConfig(), nil))
	accepted, err := base.ExecuteFilter(context.Background(), newBaseTestMessage("msh"))
	assert.Nil(t, err)
	assert.True(t, accepted)
}

func TestBaseConnectorTransformerStoresResult(t *testing.T) {
	executor := &test.Executor{
		OnTransformer: func(script string, msg *types.ConnectorMessage) (string, error) {
			return strings.ToUpper(msg.ContentString(types.ContentTypeRaw)), nil
		},
	}
	var base BaseConnector
	assert.Nil(t, base.InitBase(types.NewConfig(types.WithScriptExecutor(executor)), types.Configuration{
		"transformerScript": "upper",
	}))

	msg := newBaseTestMessage("adt payload")
	assert.Nil(t, base.ExecuteTransformer(context.Background(), msg))
	assert.Equal(t, "ADT PAYLOAD", msg.ContentString(types.ContentTypeTransformed))
}

func TestBaseConnectorResponseTransformerReporting(t *testing.T) {
	var without BaseConnector
	assert.Nil(t, without.InitBase(types.NewConfig(types.WithScriptExecutor(&test.Executor{})), nil))
	assert.False(t, without.HasResponseTransformer())

	var with BaseConnector
	assert.Nil(t, with.InitBase(types.NewConfig(types.WithScriptExecutor(&test.Executor{})), types.Configuration{
		"responseTransformerScript": "return response;",
	}))
	assert.True(t, with.HasResponseTransformer())
}
