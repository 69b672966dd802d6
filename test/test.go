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

// Package test holds test doubles shared by the package tests: scripted
// source/destination connectors, a recording in-memory message store and a
// stub script executor.
package test

import (
	"context"
	"errors"
	"sync"

	"github.com/medrelay/medrelay/api/types"
)

// Executor is a stub script executor driven by function fields. Nil fields
// fall back to accept-everything defaults.
type Executor struct {
	OnFilter        func(script string, msg *types.ConnectorMessage) (bool, error)
	OnTransformer   func(script string, msg *types.ConnectorMessage) (string, error)
	OnPreprocessor  func(script string, msg *types.ConnectorMessage) (string, error)
	OnPostprocessor func(script string, msg *types.Message) (string, error)
	OnDeploy        func(script string, channelID string) error
	OnUndeploy      func(script string, channelID string) error

	DeployedScripts   []string
	UndeployedScripts []string
}

func (e *Executor) ExecuteFilter(_ context.Context, script string, msg *types.ConnectorMessage) (bool, error) {
	if e.OnFilter != nil {
		return e.OnFilter(script, msg)
	}
	return true, nil
}

func (e *Executor) ExecuteTransformer(_ context.Context, script string, msg *types.ConnectorMessage) (string, error) {
	if e.OnTransformer != nil {
		return e.OnTransformer(script, msg)
	}
	return "", nil
}

func (e *Executor) ExecutePreprocessor(_ context.Context, script string, msg *types.ConnectorMessage) (string, error) {
	if e.OnPreprocessor != nil {
		return e.OnPreprocessor(script, msg)
	}
	return "", nil
}

func (e *Executor) ExecutePostprocessor(_ context.Context, script string, msg *types.Message) (string, error) {
	if e.OnPostprocessor != nil {
		return e.OnPostprocessor(script, msg)
	}
	return "", nil
}

func (e *Executor) ExecuteDeploy(_ context.Context, script string, channelID string) error {
	e.DeployedScripts = append(e.DeployedScripts, script)
	if e.OnDeploy != nil {
		return e.OnDeploy(script, channelID)
	}
	return nil
}

func (e *Executor) ExecuteUndeploy(_ context.Context, script string, channelID string) error {
	e.UndeployedScripts = append(e.UndeployedScripts, script)
	if e.OnUndeploy != nil {
		return e.OnUndeploy(script, channelID)
	}
	return nil
}

func (e *Executor) Stop() {}

// Source is a scripted source connector. Tests drive intake by calling
// Dispatch directly.
type Source struct {
	ConnectorName string
	StartErr      error
	StopErr       error
	Started       bool
	Stopped       bool
	StartCount    int
	StopCount     int
	Dispatcher    types.Dispatcher

	FilterResult bool
	FilterErr    error
	filterSet    bool
}

func NewSource(name string) *Source {
	return &Source{ConnectorName: name}
}

func (s *Source) Name() string { return s.ConnectorName }

func (s *Source) Init(types.Config, types.Configuration) error { return nil }

func (s *Source) Start() error {
	s.StartCount++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.Started = true
	s.Stopped = false
	return nil
}

func (s *Source) Stop() error {
	s.StopCount++
	s.Started = false
	s.Stopped = true
	return s.StopErr
}

// SetFilter makes ExecuteFilter return the given outcome instead of the
// accept-everything default.
func (s *Source) SetFilter(accepted bool, err error) {
	s.FilterResult = accepted
	s.FilterErr = err
	s.filterSet = true
}

func (s *Source) ExecuteFilter(context.Context, *types.ConnectorMessage) (bool, error) {
	if s.filterSet {
		return s.FilterResult, s.FilterErr
	}
	return true, nil
}

func (s *Source) ExecuteTransformer(context.Context, *types.ConnectorMessage) error { return nil }

func (s *Source) BindDispatcher(dispatcher types.Dispatcher) { s.Dispatcher = dispatcher }

// Destination is a scripted destination connector.
type Destination struct {
	ConnectorName string
	StartErr      error
	StopErr       error
	Started       bool
	Stopped       bool

	FilterResult   bool
	FilterErr      error
	filterSet      bool
	TransformerErr error
	// Transform, when set, is applied to the message on ExecuteTransformer.
	Transform func(msg *types.ConnectorMessage)

	SendErr   error
	SendCount int
	// SendErrUntil fails the first N sends, then succeeds. Used by queue
	// retry tests together with SendErr.
	SendErrUntil int
	Sent         []*types.ConnectorMessage

	Response    string
	HasResponse bool

	QueueEnabled bool
	RetryQueue   types.Queue

	ResponseTransformerScript string
	ResponseTransformerErr    error
	ResponseTransformerOut    string

	lock sync.Mutex
}

func NewDestination(name string) *Destination {
	return &Destination{ConnectorName: name}
}

func (d *Destination) Name() string { return d.ConnectorName }

func (d *Destination) Init(types.Config, types.Configuration) error { return nil }

func (d *Destination) Start() error {
	if d.StartErr != nil {
		return d.StartErr
	}
	d.Started = true
	d.Stopped = false
	return nil
}

func (d *Destination) Stop() error {
	d.Started = false
	d.Stopped = true
	return d.StopErr
}

func (d *Destination) SetFilter(accepted bool, err error) {
	d.FilterResult = accepted
	d.FilterErr = err
	d.filterSet = true
}

func (d *Destination) ExecuteFilter(context.Context, *types.ConnectorMessage) (bool, error) {
	if d.filterSet {
		return d.FilterResult, d.FilterErr
	}
	return true, nil
}

func (d *Destination) ExecuteTransformer(_ context.Context, msg *types.ConnectorMessage) error {
	if d.TransformerErr != nil {
		return d.TransformerErr
	}
	if d.Transform != nil {
		d.Transform(msg)
	}
	return nil
}

func (d *Destination) Send(_ context.Context, msg *types.ConnectorMessage) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.SendCount++
	if d.SendErrUntil > 0 && d.SendCount <= d.SendErrUntil {
		return errors.New("send failed")
	}
	if d.SendErrUntil == 0 && d.SendErr != nil {
		return d.SendErr
	}
	d.Sent = append(d.Sent, msg)
	return nil
}

func (d *Destination) GetResponse(context.Context, *types.ConnectorMessage) (string, bool) {
	return d.Response, d.HasResponse
}

func (d *Destination) IsQueueEnabled() bool { return d.QueueEnabled }

func (d *Destination) Queue() types.Queue { return d.RetryQueue }

// ExecuteResponseTransformer implements types.ResponseTransformer.
func (d *Destination) ExecuteResponseTransformer(context.Context, *types.ConnectorMessage) (string, error) {
	if d.ResponseTransformerErr != nil {
		return "", d.ResponseTransformerErr
	}
	return d.ResponseTransformerOut, nil
}

// HasResponseTransformer keeps destinations without a script out of the
// PENDING checkpoint path.
func (d *Destination) HasResponseTransformer() bool {
	return d.ResponseTransformerScript != ""
}

// SendAttempts returns how many times Send was called, successful or not.
func (d *Destination) SendAttempts() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.SendCount
}

// SentCount returns the number of successful sends.
func (d *Destination) SentCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.Sent)
}
