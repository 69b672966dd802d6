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
	"testing"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/test"
	"github.com/medrelay/medrelay/test/assert"
)

func newTestChannel(t *testing.T, def ChannelConfig) *Channel {
	t.Helper()
	if def.ID == "" {
		def.ID = "ch01"
	}
	if def.Name == "" {
		def.Name = "test channel"
	}
	config := types.NewConfig()
	channel, err := NewChannel(config, def)
	assert.Nil(t, err)
	return channel
}

func TestNewChannelValidation(t *testing.T) {
	config := types.NewConfig()
	_, err := NewChannel(config, ChannelConfig{ID: "", Source: test.NewSource("src")})
	assert.NotNil(t, err)

	_, err = NewChannel(config, ChannelConfig{ID: "ch01"})
	assert.True(t, errors.Is(err, ErrMissingSource))
}

func TestChannelStartStop(t *testing.T) {
	source := test.NewSource("src")
	dest := test.NewDestination("dest 1")
	channel := newTestChannel(t, ChannelConfig{Source: source, Destinations: []types.DestinationConnector{dest}})

	assert.Equal(t, types.StateStopped, channel.State())
	assert.Nil(t, channel.Start())
	assert.Equal(t, types.StateStarted, channel.State())
	assert.True(t, source.Started)
	assert.True(t, dest.Started)

	// double start is illegal
	err := channel.Start()
	assert.True(t, errors.Is(err, ErrIllegalState))
	assert.Equal(t, types.StateStarted, channel.State())

	assert.Nil(t, channel.Stop())
	assert.Equal(t, types.StateStopped, channel.State())
	assert.True(t, source.Stopped)
	assert.True(t, dest.Stopped)

	// double stop is illegal
	err = channel.Stop()
	assert.True(t, errors.Is(err, ErrIllegalState))
}

func TestChannelStartRollsBackOnSourceFailure(t *testing.T) {
	source := test.NewSource("src")
	source.StartErr = errors.New("bind failed")
	dest1 := test.NewDestination("dest 1")
	dest2 := test.NewDestination("dest 2")
	channel := newTestChannel(t, ChannelConfig{
		Source:       source,
		Destinations: []types.DestinationConnector{dest1, dest2},
	})

	err := channel.Start()
	assert.NotNil(t, err)
	assert.Equal(t, types.StateStopped, channel.State())
	// both destinations were started, then rolled back
	assert.True(t, dest1.Stopped)
	assert.True(t, dest2.Stopped)
}

func TestChannelStartRollsBackOnDestinationFailure(t *testing.T) {
	source := test.NewSource("src")
	dest1 := test.NewDestination("dest 1")
	dest2 := test.NewDestination("dest 2")
	dest2.StartErr = errors.New("broker unreachable")
	channel := newTestChannel(t, ChannelConfig{
		Source:       source,
		Destinations: []types.DestinationConnector{dest1, dest2},
	})

	err := channel.Start()
	assert.NotNil(t, err)
	assert.Equal(t, types.StateStopped, channel.State())
	assert.True(t, dest1.Stopped)
	// the source was never started
	assert.Equal(t, 0, source.StartCount)
}

func TestChannelPauseResume(t *testing.T) {
	source := test.NewSource("src")
	dest := test.NewDestination("dest 1")
	channel := newTestChannel(t, ChannelConfig{Source: source, Destinations: []types.DestinationConnector{dest}})

	// pause before start is illegal
	err := channel.Pause()
	assert.True(t, errors.Is(err, ErrIllegalState))

	assert.Nil(t, channel.Start())
	assert.Nil(t, channel.Pause())
	assert.Equal(t, types.StatePaused, channel.State())
	// only the source toggles; destinations keep running
	assert.True(t, source.Stopped)
	assert.True(t, dest.Started)

	// pause while paused is a warned no-op
	assert.Nil(t, channel.Pause())
	assert.Equal(t, types.StatePaused, channel.State())

	assert.Nil(t, channel.Resume())
	assert.Equal(t, types.StateStarted, channel.State())
	assert.True(t, source.Started)

	// resume while started is illegal
	err = channel.Resume()
	assert.True(t, errors.Is(err, ErrIllegalState))

	assert.Nil(t, channel.Stop())
}

func TestChannelStartFromPausedResumes(t *testing.T) {
	source := test.NewSource("src")
	channel := newTestChannel(t, ChannelConfig{Source: source})

	assert.Nil(t, channel.Start())
	assert.Nil(t, channel.Pause())
	// Start from PAUSED behaves like Resume
	assert.Nil(t, channel.Start())
	assert.Equal(t, types.StateStarted, channel.State())
	assert.Equal(t, 2, source.StartCount)
	assert.Nil(t, channel.Stop())
}

func TestChannelResumeFailureRevertsToPaused(t *testing.T) {
	source := test.NewSource("src")
	channel := newTestChannel(t, ChannelConfig{Source: source})

	assert.Nil(t, channel.Start())
	assert.Nil(t, channel.Pause())
	source.StartErr = errors.New("port taken")
	err := channel.Resume()
	assert.NotNil(t, err)
	assert.Equal(t, types.StatePaused, channel.State())
}

func TestChannelStopCollectsErrors(t *testing.T) {
	source := test.NewSource("src")
	source.StopErr = errors.New("source stop failed")
	dest := test.NewDestination("dest 1")
	dest.StopErr = errors.New("dest stop failed")
	channel := newTestChannel(t, ChannelConfig{Source: source, Destinations: []types.DestinationConnector{dest}})

	assert.Nil(t, channel.Start())
	err := channel.Stop()
	assert.NotNil(t, err)
	// despite errors the channel is stopped and every collaborator was asked
	assert.Equal(t, types.StateStopped, channel.State())
	assert.True(t, dest.Stopped)
}

func TestChannelDeployUndeployScripts(t *testing.T) {
	executor := &test.Executor{}
	config := types.NewConfig(types.WithScriptExecutor(executor))
	source := test.NewSource("src")
	channel, err := NewChannel(config, ChannelConfig{
		ID:      "ch01",
		Source:  source,
		Scripts: types.ChannelScripts{Deploy: "deploy()", Undeploy: "undeploy()"},
	})
	assert.Nil(t, err)

	assert.Nil(t, channel.Start())
	assert.Equal(t, 1, len(executor.DeployedScripts))
	assert.Nil(t, channel.Stop())
	assert.Equal(t, 1, len(executor.UndeployedScripts))
}

func TestChannelDeployScriptFailureAbortsStart(t *testing.T) {
	executor := &test.Executor{
		OnDeploy: func(string, string) error { return errors.New("deploy script error") },
	}
	config := types.NewConfig(types.WithScriptExecutor(executor))
	source := test.NewSource("src")
	dest := test.NewDestination("dest 1")
	channel, err := NewChannel(config, ChannelConfig{
		ID:           "ch01",
		Source:       source,
		Destinations: []types.DestinationConnector{dest},
		Scripts:      types.ChannelScripts{Deploy: "deploy()"},
	})
	assert.Nil(t, err)

	err = channel.Start()
	assert.NotNil(t, err)
	assert.Equal(t, types.StateStopped, channel.State())
	// nothing was started before the deploy script ran
	assert.False(t, dest.Started)
	assert.Equal(t, 0, source.StartCount)
}

func TestChannelStateNotifications(t *testing.T) {
	source := test.NewSource("src")
	channel := newTestChannel(t, ChannelConfig{Source: source})

	// listeners run on their own goroutines, so collect into a channel and
	// assert on the observed set rather than delivery order
	observed := make(chan types.StateChange, 16)
	channel.OnStateChange(func(change types.StateChange) {
		observed <- change
	})

	assert.Nil(t, channel.Start())
	seen := map[types.DeployedState]types.StateChange{}
	for i := 0; i < 2; i++ {
		change := <-observed
		seen[change.State] = change
	}
	starting, ok := seen[types.StateStarting]
	assert.True(t, ok)
	assert.Equal(t, types.StateStopped, starting.PreviousState)
	assert.Equal(t, "ch01", starting.ChannelID)
	_, ok = seen[types.StateStarted]
	assert.True(t, ok)

	assert.Nil(t, channel.Stop())
	for i := 0; i < 2; i++ {
		change := <-observed
		seen[change.State] = change
	}
	_, ok = seen[types.StateStopping]
	assert.True(t, ok)
	_, ok = seen[types.StateStopped]
	assert.True(t, ok)
}

func TestChannelLocalMessageIDFallback(t *testing.T) {
	source := test.NewSource("src")
	// no store configured: ids come from the in-memory counter
	channel := newTestChannel(t, ChannelConfig{Source: source})
	assert.Equal(t, int64(1), channel.nextMessageID())
	assert.Equal(t, int64(2), channel.nextMessageID())
}

func TestChannelSequenceBackedMessageID(t *testing.T) {
	source := test.NewSource("src")
	store := test.NewStore()
	channel := newTestChannel(t, ChannelConfig{Source: source, Store: store})
	assert.Equal(t, int64(1), channel.nextMessageID())
	assert.Equal(t, int64(2), channel.nextMessageID())
}

func TestChannelStatisticsReload(t *testing.T) {
	source := test.NewSource("src")
	store := test.NewStore()
	store.Statistics = map[types.Status]int64{
		types.StatusReceived: 10,
		types.StatusSent:     7,
		types.StatusError:    3,
	}
	channel := newTestChannel(t, ChannelConfig{Source: source, Store: store})

	assert.Nil(t, channel.Start())
	stats := channel.Statistics()
	assert.Equal(t, int64(10), stats.Received)
	assert.Equal(t, int64(7), stats.Sent)
	assert.Equal(t, int64(3), stats.Error)
	assert.Nil(t, channel.Stop())

	channel.ResetStatistics()
	stats = channel.Statistics()
	assert.Equal(t, int64(0), stats.Received)
}
