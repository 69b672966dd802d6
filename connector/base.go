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

// Package connector ships the reference source and destination connectors:
// HTTP receiver, MLLP listener, cron poller, MQTT publisher and SSH command
// runner, plus the in-memory retry queue. All of them embed BaseConnector,
// which handles filter/transformer script delegation.
//
// Package connector 提供参考连接器实现（HTTP、MLLP、定时轮询、MQTT、SSH）
// 以及内存重试队列。
package connector

import (
	"context"
	"errors"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/utils/maps"
)

// ErrNoExecutor is returned when a connector carries a script but no script
// executor was configured.
var ErrNoExecutor = errors.New("connector has a script but no script executor is configured")

// BaseConfig 连接器公共配置
// BaseConfig is decoded from the common keys of every connector's
// configuration map.
type BaseConfig struct {
	// Name is the connector display name shown in logs and statuses.
	Name string
	// FilterScript returns a boolean; false filters the message on this
	// connector. Empty accepts everything.
	FilterScript string
	// TransformerScript produces the transformed content. Empty keeps the
	// inbound content as is.
	TransformerScript string
	// ResponseTransformerScript transforms the destination response. Only
	// meaningful on destinations.
	ResponseTransformerScript string
}

// BaseConnector implements the script-dependent half of types.Connector.
// Concrete connectors embed it and add transport behavior.
type BaseConnector struct {
	BaseConfig
	EngineConfig types.Config
	Logger       types.Logger
}

// InitBase decodes the common configuration keys and captures the engine
// config. Concrete connectors call this from their Init.
func (b *BaseConnector) InitBase(config types.Config, configuration types.Configuration) error {
	if err := maps.Map2Struct(configuration, &b.BaseConfig); err != nil {
		return err
	}
	b.EngineConfig = config
	b.Logger = config.Logger
	if b.Logger == nil {
		b.Logger = types.DefaultLogger()
	}
	if config.ScriptExecutor == nil &&
		(b.FilterScript != "" || b.TransformerScript != "" || b.ResponseTransformerScript != "") {
		return ErrNoExecutor
	}
	return nil
}

// Name returns the connector display name.
func (b *BaseConnector) Name() string {
	return b.BaseConfig.Name
}

// ExecuteFilter runs the connector's filter script. Without a script every
// message is accepted.
func (b *BaseConnector) ExecuteFilter(ctx context.Context, msg *types.ConnectorMessage) (bool, error) {
	if b.FilterScript == "" {
		return true, nil
	}
	return b.EngineConfig.ScriptExecutor.ExecuteFilter(ctx, b.FilterScript, msg)
}

// ExecuteTransformer runs the connector's transformer script and stores the
// result as TRANSFORMED content. Without a script the content is untouched.
func (b *BaseConnector) ExecuteTransformer(ctx context.Context, msg *types.ConnectorMessage) error {
	if b.TransformerScript == "" {
		return nil
	}
	out, err := b.EngineConfig.ScriptExecutor.ExecuteTransformer(ctx, b.TransformerScript, msg)
	if err != nil {
		return err
	}
	if out != "" {
		msg.SetContent(types.ContentTypeTransformed, out, types.TEXT)
	}
	return nil
}

// ExecuteResponseTransformer runs the response transformer script against the
// RESPONSE content. Callers type-assert for this method, so connectors
// without a script report it unavailable through HasResponseTransformer.
func (b *BaseConnector) ExecuteResponseTransformer(ctx context.Context, msg *types.ConnectorMessage) (string, error) {
	if b.ResponseTransformerScript == "" {
		return "", nil
	}
	return b.EngineConfig.ScriptExecutor.ExecuteTransformer(ctx, b.ResponseTransformerScript, msg)
}

// HasResponseTransformer reports whether a response transformer script is
// configured.
func (b *BaseConnector) HasResponseTransformer() bool {
	return b.ResponseTransformerScript != ""
}
