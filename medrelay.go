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

// Package medrelay provides an embeddable healthcare message integration
// engine: channels receive messages from a source connector, run them through
// per-destination filter and transformer scripts, and deliver them to
// destination connectors with optional queued retry and transactional
// persistence.
//
// Create And Start A Channel
//
//	config := medrelay.NewConfig()
//	source := &connector.MLLPListener{}
//	_ = source.Init(config, types.Configuration{"addr": ":6661"})
//	dest := &connector.MQTTDestination{}
//	_ = dest.Init(config, types.Configuration{"server": "tcp://127.0.0.1:1883", "topic": "hl7/adt"})
//
//	channel, err := medrelay.Deploy(engine.ChannelConfig{
//		ID:           "adt-inbound",
//		Name:         "ADT inbound",
//		Source:       source,
//		Destinations: []types.DestinationConnector{dest},
//	})
//	err = medrelay.StartChannel("adt-inbound")
//
// Watch State Transitions
//
//	medrelay.OnStateChange(func(change types.StateChange) {
//		fmt.Println(change.ChannelID, change.PreviousState, "->", change.State)
//	})
//
// Stop Everything
//
//	err = medrelay.StopAll()
package medrelay

import (
	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/engine"
	"github.com/medrelay/medrelay/script"
	"github.com/medrelay/medrelay/utils/pool"
)

// DefaultEngine is the engine instance behind the package-level functions.
var DefaultEngine = New()

// NewConfig creates a new Config, applies the options and fills whatever the
// options left unset: the goja script executor and the shared worker pool
// carrying queue processors and state-change fan-out.
func NewConfig(opts ...types.Option) types.Config {
	c := types.NewConfig(opts...)
	if c.ScriptExecutor == nil {
		c.ScriptExecutor = script.NewGojaExecutor(c)
	}
	if c.Pool == nil {
		wp := &pool.WorkerPool{}
		wp.Start()
		c.Pool = wp
	}
	return c
}

// New creates an engine with its own channel registry. Most embedders only
// need DefaultEngine and the package-level functions.
func New(opts ...types.Option) *engine.Engine {
	return engine.New(NewConfig(opts...))
}

// Deploy registers a channel on the default engine.
func Deploy(def engine.ChannelConfig) (*engine.Channel, error) {
	return DefaultEngine.Deploy(def)
}

// Undeploy stops and removes a channel from the default engine.
func Undeploy(channelID string) error {
	return DefaultEngine.Undeploy(channelID)
}

// Get returns a deployed channel of the default engine.
func Get(channelID string) (*engine.Channel, bool) {
	return DefaultEngine.Get(channelID)
}

// StartChannel starts one channel of the default engine.
func StartChannel(channelID string) error {
	return DefaultEngine.StartChannel(channelID)
}

// StopChannel stops one channel of the default engine.
func StopChannel(channelID string) error {
	return DefaultEngine.StopChannel(channelID)
}

// StartAll starts every stopped channel of the default engine.
func StartAll() error {
	return DefaultEngine.StartAll()
}

// StopAll stops every running channel of the default engine.
func StopAll() error {
	return DefaultEngine.StopAll()
}

// OnStateChange subscribes a state transition listener covering every channel
// of the default engine.
func OnStateChange(fn types.OnStateChangeFunc) int {
	return DefaultEngine.OnStateChange(fn)
}

// Unsubscribe removes a listener registered with OnStateChange.
func Unsubscribe(id int) {
	DefaultEngine.Unsubscribe(id)
}

// Snapshot lists every channel of the default engine with state and
// statistics.
func Snapshot() []engine.ChannelStatus {
	return DefaultEngine.Snapshot()
}
