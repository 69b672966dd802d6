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
	"context"

	"github.com/medrelay/medrelay/api/types"
)

// recoverMessages scans the store for unfinished messages of this channel
// and re-drives what it safely can: QUEUED destinations are put back on their
// retry queue, PENDING destinations are only surfaced to the configured
// recovery callback. Recovery is best-effort; every failure is logged and
// never interrupts channel start.
func (c *Channel) recoverMessages(ctx context.Context) {
	if !c.storageAvailable() {
		return
	}
	messages, err := c.store.UnfinishedMessages(c.id, c.serverID)
	if err != nil {
		c.logger.Printf("channel %s: message recovery scan: %v", c.id, err)
		return
	}
	if len(messages) == 0 {
		return
	}

	var requeued, pending int
	for _, message := range messages {
		for _, id := range message.DestinationIDs() {
			dm := message.ConnectorMessages[id]
			switch dm.Status {
			case types.StatusQueued:
				dest := c.destinationByMetaDataID(id)
				if dest == nil || !dest.IsQueueEnabled() || dest.Queue() == nil {
					c.logger.Printf("channel %s: cannot requeue message %d destination %d, queue unavailable", c.id, message.MessageID, id)
					continue
				}
				if err := dest.Queue().Add(dm); err != nil {
					c.logger.Printf("channel %s: requeue message %d destination %d: %v", c.id, message.MessageID, id, err)
					continue
				}
				requeued++
			case types.StatusPending:
				// PENDING is a crash marker between send and response
				// transform; resolution policy lives outside the engine
				pending++
				if c.onRecoveredPending != nil {
					c.onRecoveredPending(dm)
				} else {
					c.logger.Printf("channel %s: message %d destination %d recovered in PENDING, no recovery handler configured", c.id, message.MessageID, id)
				}
			}
		}
	}
	c.logger.Printf("channel %s: recovery found %d unfinished message(s), requeued %d, pending %d", c.id, len(messages), requeued, pending)
}

// destinationByMetaDataID maps a metadata id back onto the configured
// destination list (metadata id 1 is the first destination).
func (c *Channel) destinationByMetaDataID(metaDataID int) types.DestinationConnector {
	index := metaDataID - 1
	if index < 0 || index >= len(c.destinations) {
		return nil
	}
	return c.destinations[index]
}
