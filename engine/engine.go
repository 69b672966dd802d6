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
	"errors"
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/api/types/metrics"
)

var (
	// ErrChannelExists is returned when deploying a channel id twice.
	ErrChannelExists = errors.New("channel already deployed")
	// ErrChannelNotFound is returned for operations on unknown channel ids.
	ErrChannelNotFound = errors.New("channel not found")
)

// Engine 通道注册表，引擎顶层入口
// Engine is the top-level registry mapping channel ids to deployed Channel
// instances. It owns global start/stop and deploy/undeploy, and carries the
// shared state notifier that new channels are attached to.
type Engine struct {
	config   types.Config
	serverID string

	lock     sync.RWMutex
	channels map[string]*Channel

	notifier *StateNotifier
}

// New creates an engine. The server id identifies this instance in persisted
// messages and defaults to a random uuid.
func New(config types.Config) *Engine {
	uuID, _ := uuid.NewV4()
	return &Engine{
		config:   config,
		serverID: uuID.String(),
		channels: make(map[string]*Channel),
		notifier: NewStateNotifier(config.Pool, config.Logger),
	}
}

// ServerID returns the engine instance id.
func (e *Engine) ServerID() string {
	return e.serverID
}

// OnStateChange subscribes an engine-wide state transition listener covering
// every deployed channel, current and future.
func (e *Engine) OnStateChange(fn types.OnStateChangeFunc) int {
	return e.notifier.Subscribe(fn)
}

// Unsubscribe removes an engine-wide listener.
func (e *Engine) Unsubscribe(id int) {
	e.notifier.Unsubscribe(id)
}

// Deploy registers a channel definition. The channel is created in STOPPED
// state and forwards its state transitions to the engine notifier.
func (e *Engine) Deploy(def ChannelConfig) (*Channel, error) {
	if def.ServerID == "" {
		def.ServerID = e.serverID
	}
	channel, err := NewChannel(e.config, def)
	if err != nil {
		return nil, err
	}
	channel.OnStateChange(e.notifier.Emit)

	e.lock.Lock()
	defer e.lock.Unlock()
	if _, exists := e.channels[def.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, def.ID)
	}
	e.channels[def.ID] = channel
	return channel, nil
}

// Undeploy stops the channel when running and removes it from the registry.
func (e *Engine) Undeploy(channelID string) error {
	e.lock.Lock()
	channel, ok := e.channels[channelID]
	if ok {
		delete(e.channels, channelID)
	}
	e.lock.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if channel.State() != types.StateStopped {
		return channel.Stop()
	}
	return nil
}

// Get returns a deployed channel by id.
func (e *Engine) Get(channelID string) (*Channel, bool) {
	e.lock.RLock()
	defer e.lock.RUnlock()
	channel, ok := e.channels[channelID]
	return channel, ok
}

// StartChannel starts one channel by id.
func (e *Engine) StartChannel(channelID string) error {
	channel, ok := e.Get(channelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return channel.Start()
}

// StopChannel stops one channel by id.
func (e *Engine) StopChannel(channelID string) error {
	channel, ok := e.Get(channelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return channel.Stop()
}

// StartAll starts every stopped channel. Per-channel failures are collected;
// the remaining channels still start.
func (e *Engine) StartAll() error {
	var errs []error
	for _, channel := range e.snapshotChannels() {
		if channel.State() != types.StateStopped {
			continue
		}
		if err := channel.Start(); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channel.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every non-stopped channel, collecting per-channel failures.
func (e *Engine) StopAll() error {
	var errs []error
	for _, channel := range e.snapshotChannels() {
		if channel.State() == types.StateStopped {
			continue
		}
		if err := channel.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channel.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// ChannelStatus is one row of the engine snapshot.
type ChannelStatus struct {
	ID         string
	Name       string
	State      types.DeployedState
	Statistics metrics.ChannelMetrics
}

// Snapshot lists every deployed channel with its state and statistics.
func (e *Engine) Snapshot() []ChannelStatus {
	channels := e.snapshotChannels()
	statuses := make([]ChannelStatus, 0, len(channels))
	for _, channel := range channels {
		statuses = append(statuses, ChannelStatus{
			ID:         channel.ID(),
			Name:       channel.Name(),
			State:      channel.State(),
			Statistics: channel.Statistics(),
		})
	}
	return statuses
}

func (e *Engine) snapshotChannels() []*Channel {
	e.lock.RLock()
	defer e.lock.RUnlock()
	channels := make([]*Channel, 0, len(e.channels))
	for _, channel := range e.channels {
		channels = append(channels, channel)
	}
	return channels
}
