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
	"testing"
	"time"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/test"
	"github.com/medrelay/medrelay/test/assert"
)

func unfinishedMessage(channelID string, messageID int64, destStatus types.Status) *types.Message {
	now := time.Now()
	m := types.NewMessage(channelID, messageID, "server01", now)
	source := types.NewConnectorMessage(channelID, "test", messageID, 0, "server01", now)
	source.Status = types.StatusTransformed
	m.ConnectorMessages[0] = source
	dm := types.NewConnectorMessage(channelID, "test", messageID, 1, "server01", now)
	dm.Status = destStatus
	dm.SetContent(types.ContentTypeTransformed, "queued payload", types.TEXT)
	m.ConnectorMessages[1] = dm
	return m
}

func TestRecoveryRequeuesQueuedDestinations(t *testing.T) {
	store := test.NewStore()
	store.Unfinished = []*types.Message{
		unfinishedMessage("ch01", 41, types.StatusQueued),
		unfinishedMessage("ch01", 42, types.StatusQueued),
	}
	queue := newStubQueue(4)
	source := test.NewSource("src")
	dest := test.NewDestination("dest 1")
	dest.QueueEnabled = true
	dest.RetryQueue = queue
	// keep retries failing so the requeued entries stay observable
	dest.SendErrUntil = 100

	config := types.NewConfig(types.WithQueueRetryInterval(time.Hour))
	channel, err := NewChannel(config, ChannelConfig{
		ID:              "ch01",
		Source:          source,
		Destinations:    []types.DestinationConnector{dest},
		Store:           store,
		StorageSettings: types.StorageSettings{MessageRecoveryEnabled: true},
	})
	assert.Nil(t, err)
	assert.Nil(t, channel.Start())
	defer func() { _ = channel.Stop() }()

	// both QUEUED destination messages were put back on the retry queue; the
	// processor may already have polled some, so count poll attempts instead
	waitFor(t, 2*time.Second, func() bool { return dest.SendAttempts() >= 1 })
}

func TestRecoveryPendingSurfacedToCallback(t *testing.T) {
	store := test.NewStore()
	store.Unfinished = []*types.Message{
		unfinishedMessage("ch01", 50, types.StatusPending),
	}
	source := test.NewSource("src")
	dest := test.NewDestination("dest 1")

	var recovered []*types.ConnectorMessage
	channel, err := NewChannel(types.NewConfig(), ChannelConfig{
		ID:              "ch01",
		Source:          source,
		Destinations:    []types.DestinationConnector{dest},
		Store:           store,
		StorageSettings: types.StorageSettings{MessageRecoveryEnabled: true},
		OnRecoveredPending: func(msg *types.ConnectorMessage) {
			recovered = append(recovered, msg)
		},
	})
	assert.Nil(t, err)
	assert.Nil(t, channel.Start())
	defer func() { _ = channel.Stop() }()

	assert.Equal(t, 1, len(recovered))
	assert.Equal(t, int64(50), recovered[0].MessageID)
	assert.Equal(t, types.StatusPending, recovered[0].Status)
}

func TestRecoveryDisabled(t *testing.T) {
	store := test.NewStore()
	store.Unfinished = []*types.Message{
		unfinishedMessage("ch01", 60, types.StatusPending),
	}
	source := test.NewSource("src")

	var recovered int
	channel, err := NewChannel(types.NewConfig(), ChannelConfig{
		ID:              "ch01",
		Source:          source,
		Store:           store,
		StorageSettings: types.StorageSettings{MessageRecoveryEnabled: false},
		OnRecoveredPending: func(msg *types.ConnectorMessage) {
			recovered++
		},
	})
	assert.Nil(t, err)
	assert.Nil(t, channel.Start())
	defer func() { _ = channel.Stop() }()
	assert.Equal(t, 0, recovered)
}
