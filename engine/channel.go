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

// Package engine implements the MedRelay channel engine: the channel
// lifecycle state machine, the message dispatch pipeline, the transactional
// persistence coordinator and the top-level channel registry.
//
// Package engine 实现 MedRelay 通道引擎：通道生命周期状态机、
// 消息派发流水线、事务化持久化协调器以及顶层通道注册表。
//
// A Channel owns one source connector and zero or more destination
// connectors. Starting a channel brings destinations up before the source and
// rolls back in LIFO order on any failure, so a channel is never left half
// started. Dispatching moves one inbound message through source processing
// and N independent destination branches, persisting each phase as one
// atomic transactional batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/api/types/metrics"
)

var (
	// ErrIllegalState is returned when start/stop/pause/resume is called from
	// a state that does not permit the transition. The channel state is left
	// unchanged.
	ErrIllegalState = errors.New("illegal channel state")
	// ErrChannelStopped is returned when a message is dispatched to a channel
	// that is not accepting intake.
	ErrChannelStopped = errors.New("channel is stopped")
	// ErrMissingSource is returned by NewChannel when no source connector is
	// configured.
	ErrMissingSource = errors.New("channel requires a source connector")
)

// ChannelConfig 通道定义
// ChannelConfig is the deploy-time definition of a channel. All collaborators
// are injected here; the engine never reaches for globals.
type ChannelConfig struct {
	ID   string
	Name string
	// ServerID identifies this engine instance, defaulting to a random uuid.
	ServerID string

	Source       types.SourceConnector
	Destinations []types.DestinationConnector

	Scripts         types.ChannelScripts
	StorageSettings types.StorageSettings
	MetaDataColumns []types.MetaDataColumn

	// Store is the message store; nil disables persistence and switches
	// message-id allocation to the in-memory fallback.
	Store types.MessageStore
	// Attachments extracts attachments from raw content before first
	// persistence. nil disables extraction.
	Attachments types.AttachmentHandler

	// OnRecoveredPending is invoked for destinations found in PENDING during
	// message recovery. PENDING is a recovery marker; whether to resume as
	// SENT or re-send is the collaborator's policy, not the engine's.
	OnRecoveredPending func(msg *types.ConnectorMessage)
}

// Channel 通道
// Channel is the deployment unit: one source, N destinations, channel
// scripts, storage settings, in-memory statistics and the dispatch pipeline.
// Lifecycle operations serialize on an internal mutex; dispatches run
// concurrently and are not serialized per channel.
type Channel struct {
	id       string
	name     string
	serverID string

	config   types.Config
	logger   types.Logger
	executor types.ScriptExecutor

	source       types.SourceConnector
	destinations []types.DestinationConnector

	scripts         types.ChannelScripts
	storage         types.StorageSettings
	metaDataColumns []types.MetaDataColumn

	store       types.MessageStore
	attachments types.AttachmentHandler

	onRecoveredPending func(msg *types.ConnectorMessage)

	stateLock sync.Mutex
	state     types.DeployedState
	notifier  *StateNotifier

	stats *metrics.ChannelMetrics

	// localMessageID is the in-memory fallback id allocator used when the
	// channel has no provisioned storage tables. Ids restart at 1 on every
	// process start; this mode is unsafe for multi-process deployments.
	localMessageID int64

	storageCheck sync.Once
	storageOK    bool

	queueProcessors []*queueProcessor
}

// NewChannel builds a channel from its definition. The channel starts in
// STOPPED state; no connector is touched until Start.
func NewChannel(config types.Config, def ChannelConfig) (*Channel, error) {
	if def.ID == "" {
		return nil, errors.New("channel requires an id")
	}
	if def.Source == nil {
		return nil, ErrMissingSource
	}
	serverID := def.ServerID
	if serverID == "" {
		uuID, _ := uuid.NewV4()
		serverID = uuID.String()
	}
	c := &Channel{
		id:                 def.ID,
		name:               def.Name,
		serverID:           serverID,
		config:             config,
		logger:             types.NewLogger(config.Logger),
		executor:           config.ScriptExecutor,
		source:             def.Source,
		destinations:       def.Destinations,
		scripts:            def.Scripts,
		storage:            def.StorageSettings,
		metaDataColumns:    def.MetaDataColumns,
		store:              def.Store,
		attachments:        def.Attachments,
		onRecoveredPending: def.OnRecoveredPending,
		state:              types.StateStopped,
		notifier:           NewStateNotifier(config.Pool, config.Logger),
		stats:              metrics.NewChannelMetrics(),
	}
	def.Source.BindDispatcher(c)
	return c, nil
}

// ID returns the channel id.
func (c *Channel) ID() string {
	return c.id
}

// Name returns the channel display name.
func (c *Channel) Name() string {
	return c.name
}

// ServerID returns the engine instance id stamped on messages.
func (c *Channel) ServerID() string {
	return c.serverID
}

// State returns the current deployed state.
func (c *Channel) State() types.DeployedState {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

// Statistics returns a snapshot of the channel counters.
func (c *Channel) Statistics() metrics.ChannelMetrics {
	return c.stats.Get()
}

// ResetStatistics zeroes the channel counters.
func (c *Channel) ResetStatistics() {
	c.stats.Reset()
}

// OnStateChange subscribes a state transition listener and returns its
// subscription id, usable with the notifier's Unsubscribe.
func (c *Channel) OnStateChange(fn types.OnStateChangeFunc) int {
	return c.notifier.Subscribe(fn)
}

// Notifier exposes the channel's state notifier.
func (c *Channel) Notifier() *StateNotifier {
	return c.notifier
}

// setState transitions the channel and emits the change notification.
// Callers must hold stateLock.
func (c *Channel) setState(state types.DeployedState) {
	previous := c.state
	if previous == state {
		return
	}
	c.state = state
	change := types.StateChange{
		ChannelID:     c.id,
		ChannelName:   c.name,
		State:         state,
		PreviousState: previous,
	}
	c.notifier.Emit(change)
	if c.config.OnStateChange != nil {
		fn := c.config.OnStateChange
		go fn(change)
	}
}

// Start deploys the channel: deploy script, statistics reload, best-effort
// message recovery, destinations in configured order, queue processors,
// source connector last. On any failure every already-started collaborator is
// stopped in reverse order and the state is forced to STOPPED before the
// original error is returned; the channel never remains half started.
//
// Start is legal from STOPPED, PAUSED or DEPLOYING. From PAUSED it behaves
// like Resume: destinations kept running, only the source is started.
func (c *Channel) Start() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	switch c.state {
	case types.StatePaused:
		return c.resumeLocked()
	case types.StateStopped, types.StateDeploying:
		// full start below
	default:
		return fmt.Errorf("%w: cannot start from %s", ErrIllegalState, c.state)
	}

	c.setState(types.StateStarting)
	rollback := newStartStack(c.logger)

	err := c.startAll(rollback)
	if err != nil {
		c.setState(types.StateStopping)
		rollback.Unwind()
		c.setState(types.StateStopped)
		return err
	}
	c.setState(types.StateStarted)
	return nil
}

func (c *Channel) startAll(rollback *startStack) error {
	ctx := context.Background()

	if c.scripts.Deploy != "" && c.executor != nil {
		if err := c.executor.ExecuteDeploy(ctx, c.scripts.Deploy, c.id); err != nil {
			return fmt.Errorf("deploy script: %w", err)
		}
	}

	c.reloadStatistics()

	if c.storage.MessageRecoveryEnabled {
		// best-effort: recovery failures are logged, never fail the start
		c.recoverMessages(ctx)
	}

	for _, dest := range c.destinations {
		dest := dest
		if err := dest.Start(); err != nil {
			return fmt.Errorf("start destination %s: %w", dest.Name(), err)
		}
		rollback.Push("destination "+dest.Name(), dest.Stop)
	}

	for _, dest := range c.destinations {
		if !dest.IsQueueEnabled() || dest.Queue() == nil {
			continue
		}
		processor := newQueueProcessor(c, dest)
		processor.Start()
		c.queueProcessors = append(c.queueProcessors, processor)
		rollback.Push("queue processor "+dest.Name(), func() error {
			processor.Stop()
			return nil
		})
	}

	if err := c.source.Start(); err != nil {
		c.queueProcessors = nil
		return fmt.Errorf("start source %s: %w", c.source.Name(), err)
	}
	rollback.Push("source "+c.source.Name(), c.source.Stop)
	return nil
}

// Stop halts the channel: source first to cut off intake, then queue
// processors, then destinations, then the undeploy script. Step failures are
// collected, the remaining steps still run, and the state is forced to
// STOPPED before any error is returned. Legal from any non-STOPPED state.
func (c *Channel) Stop() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if c.state == types.StateStopped {
		return fmt.Errorf("%w: already stopped", ErrIllegalState)
	}
	c.setState(types.StateStopping)

	var errs []error
	if err := c.source.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop source %s: %w", c.source.Name(), err))
	}
	for _, processor := range c.queueProcessors {
		processor.Stop()
	}
	c.queueProcessors = nil
	for _, dest := range c.destinations {
		if err := dest.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop destination %s: %w", dest.Name(), err))
		}
	}
	if c.scripts.Undeploy != "" && c.executor != nil {
		if err := c.executor.ExecuteUndeploy(context.Background(), c.scripts.Undeploy, c.id); err != nil {
			errs = append(errs, fmt.Errorf("undeploy script: %w", err))
		}
	}

	c.setState(types.StateStopped)
	return errors.Join(errs...)
}

// Pause stops only the source connector; destinations keep draining their
// queues. Legal only from STARTED; a Pause on an already paused channel is a
// warned no-op. On failure the channel reverts to STARTED.
func (c *Channel) Pause() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if c.state == types.StatePaused {
		c.logger.Printf("channel %s: pause ignored, already paused", c.id)
		return nil
	}
	if c.state != types.StateStarted {
		return fmt.Errorf("%w: cannot pause from %s", ErrIllegalState, c.state)
	}
	c.setState(types.StatePausing)
	if err := c.source.Stop(); err != nil {
		c.setState(types.StateStarted)
		return fmt.Errorf("pause source %s: %w", c.source.Name(), err)
	}
	c.setState(types.StatePaused)
	return nil
}

// Resume restarts the source connector of a paused channel. Legal only from
// PAUSED. On failure the channel attempts to return to PAUSED, stopping the
// source again and ignoring secondary errors.
func (c *Channel) Resume() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if c.state != types.StatePaused {
		return fmt.Errorf("%w: cannot resume from %s", ErrIllegalState, c.state)
	}
	return c.resumeLocked()
}

func (c *Channel) resumeLocked() error {
	c.setState(types.StateStarting)
	if err := c.source.Start(); err != nil {
		if stopErr := c.source.Stop(); stopErr != nil {
			c.logger.Printf("channel %s: stop source after failed resume: %v", c.id, stopErr)
		}
		c.setState(types.StatePaused)
		return fmt.Errorf("resume source %s: %w", c.source.Name(), err)
	}
	c.setState(types.StateStarted)
	return nil
}

// reloadStatistics overwrites the in-memory counters from the store.
func (c *Channel) reloadStatistics() {
	if !c.storageAvailable() {
		return
	}
	persisted, err := c.store.GetStatistics(c.id)
	if err != nil {
		c.logger.Printf("channel %s: reload statistics: %v", c.id, err)
		return
	}
	c.stats.Load(
		persisted[types.StatusReceived],
		persisted[types.StatusFiltered],
		persisted[types.StatusQueued],
		persisted[types.StatusSent],
		persisted[types.StatusError],
	)
}

// nextMessageID allocates the next message id, sequence-backed when storage
// tables exist and in-memory otherwise.
func (c *Channel) nextMessageID() int64 {
	if c.storageAvailable() {
		id, err := c.store.NextMessageID(c.id)
		if err == nil {
			return id
		}
		c.logger.Printf("channel %s: message id sequence: %v, falling back to local counter", c.id, err)
	}
	return atomic.AddInt64(&c.localMessageID, 1)
}

func (c *Channel) now() time.Time {
	return time.Now()
}
