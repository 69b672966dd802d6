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

// Package script provides the script executors that run a channel's
// user-supplied filter, transformer, preprocessor, postprocessor, deploy and
// undeploy code. The default executor embeds JavaScript via goja; an
// expression-only executor built on expr-lang is available for filter-only
// channels.
//
// Package script 提供运行通道用户脚本（过滤、转换、预处理、后处理、
// 部署、卸载）的脚本执行器。默认执行器基于 goja 内嵌 JavaScript，
// 另提供基于 expr-lang 的纯表达式过滤执行器。
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/utils/str"
)

// script function names used when wrapping user code
const (
	funcFilter        = "filter"
	funcTransform     = "transform"
	funcPreprocess    = "preprocess"
	funcPostprocess   = "postprocess"
	funcDeploy        = "onDeploy"
	funcUndeploy      = "onUndeploy"
	scriptMsgKey      = "msg"
	scriptChannelKey  = "channelId"
	scriptResponseKey = "response"
)

var _ types.ScriptExecutor = (*GojaExecutor)(nil)

// GojaExecutor runs channel scripts on pooled goja runtimes. User code is
// wrapped into a named function once per distinct script and the compiled
// engine is cached, so the per-message cost is one pooled VM checkout.
type GojaExecutor struct {
	config  types.Config
	lock    sync.RWMutex
	engines map[string]*jsEngine
}

// NewGojaExecutor creates the default JavaScript executor.
func NewGojaExecutor(config types.Config) *GojaExecutor {
	return &GojaExecutor{
		config:  config,
		engines: make(map[string]*jsEngine),
	}
}

// ExecuteFilter runs a filter script. The script body must return a boolean;
// false filters the message.
func (e *GojaExecutor) ExecuteFilter(ctx context.Context, script string, msg *types.ConnectorMessage) (bool, error) {
	out, err := e.run(ctx, funcFilter, script, scriptScope(msg))
	if err != nil {
		return false, err
	}
	accepted, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter script must return a boolean, got %T", out)
	}
	return accepted, nil
}

// ExecuteTransformer runs a transformer script and returns the transformed
// content. Returning undefined or null keeps the current content.
func (e *GojaExecutor) ExecuteTransformer(ctx context.Context, script string, msg *types.ConnectorMessage) (string, error) {
	out, err := e.run(ctx, funcTransform, script, scriptScope(msg))
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	return str.ToStringMaybeErr(out)
}

// ExecutePreprocessor runs the channel preprocessor over the raw content.
func (e *GojaExecutor) ExecutePreprocessor(ctx context.Context, script string, msg *types.ConnectorMessage) (string, error) {
	out, err := e.run(ctx, funcPreprocess, script, scriptScope(msg))
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	return str.ToStringMaybeErr(out)
}

// ExecutePostprocessor runs the channel postprocessor over the completed
// message aggregate.
func (e *GojaExecutor) ExecutePostprocessor(ctx context.Context, script string, msg *types.Message) (string, error) {
	source := msg.Source()
	if source == nil {
		return "", errors.New("postprocessor: message has no source connector message")
	}
	scope := scriptScope(source)
	statuses := make(map[string]interface{})
	for _, id := range msg.DestinationIDs() {
		dm := msg.ConnectorMessages[id]
		statuses[dm.ConnectorName] = string(dm.Status)
	}
	scope["destinationStatuses"] = statuses
	scope["processed"] = msg.Processed
	out, err := e.run(ctx, funcPostprocess, script, scope)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	return str.ToStringMaybeErr(out)
}

// ExecuteDeploy runs the channel deploy script.
func (e *GojaExecutor) ExecuteDeploy(ctx context.Context, script string, channelID string) error {
	_, err := e.run(ctx, funcDeploy, script, map[string]interface{}{scriptChannelKey: channelID})
	return err
}

// ExecuteUndeploy runs the channel undeploy script.
func (e *GojaExecutor) ExecuteUndeploy(ctx context.Context, script string, channelID string) error {
	_, err := e.run(ctx, funcUndeploy, script, map[string]interface{}{scriptChannelKey: channelID})
	return err
}

// Stop releases cached engines.
func (e *GojaExecutor) Stop() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.engines = make(map[string]*jsEngine)
}

func (e *GojaExecutor) run(ctx context.Context, funcName, script string, scope map[string]interface{}) (interface{}, error) {
	engine, err := e.engineFor(funcName, script)
	if err != nil {
		return nil, err
	}
	out, err := engine.Execute(ctx, funcName, scope)
	syncScope(scope)
	return out, err
}

// engineFor returns the cached engine for the wrapped script, compiling it
// on first use.
func (e *GojaExecutor) engineFor(funcName, script string) (*jsEngine, error) {
	key := funcName + "\x00" + script
	e.lock.RLock()
	engine, ok := e.engines[key]
	e.lock.RUnlock()
	if ok {
		return engine, nil
	}

	wrapped := "function " + funcName + "(msg) {\n" + script + "\n}"
	engine, err := newJsEngine(e.config, wrapped)
	if err != nil {
		return nil, err
	}
	e.lock.Lock()
	if existing, ok := e.engines[key]; ok {
		engine = existing
	} else {
		e.engines[key] = engine
	}
	e.lock.Unlock()
	return engine, nil
}

// scriptScope builds the msg object handed to a script. Map values reference
// the connector message's backing maps, so key mutations made by the script
// are visible in place; syncScope registers newly added keys afterwards.
func scriptScope(msg *types.ConnectorMessage) map[string]interface{} {
	return map[string]interface{}{
		"content":         workingContent(msg),
		scriptResponseKey: msg.ContentString(types.ContentTypeResponse),
		"sourceMap":       msg.SourceMap.Values(),
		"channelMap":      msg.ChannelMap.Values(),
		"connectorMap":    msg.ConnectorMap.Values(),
		"responseMap":     msg.ResponseMap.Values(),
		"messageId":       msg.MessageID,
		"metaDataId":      msg.MetaDataID,
		scriptChannelKey:  msg.ChannelID,
		"channelName":     msg.ChannelName,
		"connectorName":   msg.ConnectorName,
		"__maps":          []*types.VarMap{msg.SourceMap, msg.ChannelMap, msg.ConnectorMap, msg.ResponseMap},
	}
}

func syncScope(scope map[string]interface{}) {
	if maps, ok := scope["__maps"].([]*types.VarMap); ok {
		for _, m := range maps {
			m.Resync()
		}
	}
}

// workingContent is the content a filter/transformer operates on:
// TRANSFORMED when a previous stage produced it, else the processed raw,
// else the raw content.
func workingContent(msg *types.ConnectorMessage) string {
	for _, t := range []types.ContentType{
		types.ContentTypeTransformed,
		types.ContentTypeProcessedRaw,
		types.ContentTypeRaw,
	} {
		if c, ok := msg.GetContent(t); ok {
			return c.Content
		}
	}
	return ""
}

// jsEngine goja js 引擎
// jsEngine wraps pooled goja runtimes for one compiled script.
type jsEngine struct {
	vmPool  sync.Pool
	program *goja.Program
	config  types.Config
}

func newJsEngine(config types.Config, jsScript string) (*jsEngine, error) {
	program, err := goja.Compile("script", jsScript, false)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	engine := &jsEngine{program: program, config: config}
	engine.vmPool.New = func() interface{} {
		vm := goja.New()
		if len(config.Properties) != 0 {
			// 全局 Properties 暴露给 js 运行时
			_ = vm.Set("global", config.Properties)
		}
		if _, err := vm.RunProgram(program); err != nil {
			// surfaced through AssertFunction failing in Execute
			return vm
		}
		return vm
	}
	return engine, nil
}

// Execute runs the named function with the msg scope on a pooled VM,
// interrupting it when the configured max execution time elapses or the
// context is canceled.
func (e *jsEngine) Execute(ctx context.Context, functionName string, scope map[string]interface{}) (out interface{}, err error) {
	defer func() {
		if caught := recover(); caught != nil {
			err = fmt.Errorf("%v", caught)
		}
	}()

	vm := e.vmPool.Get().(*goja.Runtime)
	defer e.vmPool.Put(vm)

	maxTime := e.config.ScriptMaxExecutionTime
	if maxTime <= 0 {
		maxTime = 2 * time.Second
	}
	timer := time.AfterFunc(maxTime, func() {
		vm.Interrupt("execution timeout")
	})
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				vm.Interrupt("context canceled")
			case <-done:
			}
		}()
	}
	defer func() {
		timer.Stop()
		close(done)
		vm.ClearInterrupt()
	}()

	f, ok := goja.AssertFunction(vm.Get(functionName))
	if !ok {
		return nil, errors.New(functionName + " is not a function")
	}
	msgValue := vm.ToValue(flattenScope(vm, scope))
	res, err := f(goja.Undefined(), msgValue)
	if err != nil {
		return nil, err
	}
	exported := res.Export()
	if goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}
	return exported, nil
}

// flattenScope strips engine-internal keys before the scope crosses into js.
func flattenScope(vm *goja.Runtime, scope map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{}, len(scope))
	for k, v := range scope {
		if k == "__maps" {
			continue
		}
		flat[k] = v
	}
	return flat
}
