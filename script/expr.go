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
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/medrelay/medrelay/api/types"
)

// ErrExprUnsupported is returned by the expr executor for script kinds that
// need a full script runtime rather than a single expression.
var ErrExprUnsupported = errors.New("expr executor supports filter and transformer expressions only")

var _ types.ScriptExecutor = (*ExprExecutor)(nil)

// ExprExecutor evaluates expr-lang expressions for filters and transformers.
// It is a lighter alternative to the JavaScript executor for channels whose
// scripts are single expressions: a filter expression must evaluate to a
// boolean, a transformer expression to the new content value.
//
// ExprExecutor 基于 expr-lang 表达式的轻量执行器，仅支持过滤和转换表达式。
type ExprExecutor struct {
	lock     sync.RWMutex
	programs map[string]*vm.Program
}

// NewExprExecutor creates an expression executor.
func NewExprExecutor() *ExprExecutor {
	return &ExprExecutor{programs: make(map[string]*vm.Program)}
}

// ExecuteFilter evaluates the expression against the message scope. The
// result must be a boolean.
func (e *ExprExecutor) ExecuteFilter(_ context.Context, script string, msg *types.ConnectorMessage) (bool, error) {
	out, err := e.eval(script, msg)
	if err != nil {
		return false, err
	}
	accepted, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter expression must evaluate to a boolean, got %T", out)
	}
	return accepted, nil
}

// ExecuteTransformer evaluates the expression and returns its result as the
// transformed content.
func (e *ExprExecutor) ExecuteTransformer(_ context.Context, script string, msg *types.ConnectorMessage) (string, error) {
	out, err := e.eval(script, msg)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	if s, ok := out.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", out), nil
}

// ExecutePreprocessor is not supported by the expression executor.
func (e *ExprExecutor) ExecutePreprocessor(context.Context, string, *types.ConnectorMessage) (string, error) {
	return "", ErrExprUnsupported
}

// ExecutePostprocessor is not supported by the expression executor.
func (e *ExprExecutor) ExecutePostprocessor(context.Context, string, *types.Message) (string, error) {
	return "", ErrExprUnsupported
}

// ExecuteDeploy is not supported by the expression executor.
func (e *ExprExecutor) ExecuteDeploy(context.Context, string, string) error {
	return ErrExprUnsupported
}

// ExecuteUndeploy is not supported by the expression executor.
func (e *ExprExecutor) ExecuteUndeploy(context.Context, string, string) error {
	return ErrExprUnsupported
}

// Stop releases cached programs.
func (e *ExprExecutor) Stop() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.programs = make(map[string]*vm.Program)
}

func (e *ExprExecutor) eval(script string, msg *types.ConnectorMessage) (interface{}, error) {
	program, err := e.programFor(script)
	if err != nil {
		return nil, err
	}
	env := map[string]interface{}{
		"content":       workingContent(msg),
		"response":      msg.ContentString(types.ContentTypeResponse),
		"sourceMap":     msg.SourceMap.Values(),
		"channelMap":    msg.ChannelMap.Values(),
		"connectorMap":  msg.ConnectorMap.Values(),
		"responseMap":   msg.ResponseMap.Values(),
		"messageId":     msg.MessageID,
		"metaDataId":    msg.MetaDataID,
		"channelId":     msg.ChannelID,
		"connectorName": msg.ConnectorName,
	}
	var exprVm vm.VM
	return exprVm.Run(program, env)
}

func (e *ExprExecutor) programFor(script string) (*vm.Program, error) {
	e.lock.RLock()
	program, ok := e.programs[script]
	e.lock.RUnlock()
	if ok {
		return program, nil
	}
	program, err := expr.Compile(script, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	e.lock.Lock()
	e.programs[script] = program
	e.lock.Unlock()
	return program, nil
}
