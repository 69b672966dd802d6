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
	"sync/atomic"
	"time"

	"github.com/medrelay/medrelay/api/types"
)

// queueProcessor 队列处理器
// queueProcessor drains one queue-enabled destination's retry queue. It is
// the only component allowed to advance a QUEUED connector message, resolving
// it to SENT on a successful retry. Failed retries go back onto the queue
// after the configured interval; richer backoff or max-attempt policies are
// the queue collaborator's concern, not the engine's.
type queueProcessor struct {
	channel *Channel
	dest    types.DestinationConnector
	cancel  context.CancelFunc
	running int32
}

func newQueueProcessor(channel *Channel, dest types.DestinationConnector) *queueProcessor {
	return &queueProcessor{channel: channel, dest: dest}
}

// Start launches the drain loop. Safe to call once per Start of the channel.
func (p *queueProcessor) Start() {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	loop := func() { p.run(ctx) }
	if p.channel.config.Pool != nil {
		if err := p.channel.config.Pool.Submit(loop); err == nil {
			return
		}
	}
	go loop()
}

// Stop asks the drain loop to exit. In-flight retries finish naturally.
func (p *queueProcessor) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *queueProcessor) run(ctx context.Context) {
	queue := p.dest.Queue()
	c := p.channel
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := queue.Poll(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			// empty poll with a live context: the queue was closed under us
			// or the poll timed out. Back off so a closed-and-drained queue
			// does not busy-spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.QueueRetryInterval):
			}
			continue
		}

		msg.SendAttempts++
		err := p.dest.Send(ctx, msg)
		if err == nil {
			p.resolveSent(ctx, msg)
			continue
		}
		c.logger.Printf("channel %s: queue retry %d for %s: %v", c.id, msg.SendAttempts, p.dest.Name(), err)
		c.persistToDb(func(tx types.StoreTx) error { return tx.UpdateSendAttempts(msg) })

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.QueueRetryInterval):
		}
		if addErr := queue.Add(msg); addErr != nil {
			// queue gone (channel stopping or buffer full): finalize ERROR so
			// the message is not lost in limbo
			p.resolveError(msg, addErr)
			return
		}
	}
}

// resolveSent finalizes a retried message as SENT.
func (p *queueProcessor) resolveSent(ctx context.Context, msg *types.ConnectorMessage) {
	c := p.channel
	msg.Status = types.StatusSent
	msg.SendDate = c.now()
	msg.SetContent(types.ContentTypeSent, msg.EncodedOrTransformed(), types.TEXT)
	c.stats.DecrementQueued()
	c.stats.IncrementSent()

	ops := []txOp{
		func(tx types.StoreTx) error { return tx.UpdateStatus(msg) },
		func(tx types.StoreTx) error { return tx.UpdateSendAttempts(msg) },
		func(tx types.StoreTx) error {
			return tx.IncrementStatistic(c.id, msg.MetaDataID, types.StatusSent)
		},
		func(tx types.StoreTx) error {
			return tx.DecrementStatistic(c.id, msg.MetaDataID, types.StatusQueued)
		},
	}
	if c.storage.StoreSent {
		ops = append(ops, func(tx types.StoreTx) error {
			return tx.StoreContent(msg, types.ContentTypeSent)
		})
	}
	if c.storage.StoreResponse {
		if response, ok := p.dest.GetResponse(ctx, msg); ok {
			msg.SetContent(types.ContentTypeResponse, response, types.TEXT)
			msg.ResponseDate = c.now()
			ops = append(ops, func(tx types.StoreTx) error {
				return tx.StoreContent(msg, types.ContentTypeResponse)
			})
		}
	}
	c.persistInTransaction(ops...)
}

// resolveError finalizes a retried message as ERROR.
func (p *queueProcessor) resolveError(msg *types.ConnectorMessage, err error) {
	c := p.channel
	msg.Status = types.StatusError
	msg.ProcessingError = err.Error()
	msg.ErrorCode = types.ErrorCodeQueue
	c.stats.DecrementQueued()
	c.stats.IncrementError()
	c.persistInTransaction(
		func(tx types.StoreTx) error { return tx.UpdateStatus(msg) },
		func(tx types.StoreTx) error { return tx.UpdateErrors(msg) },
		func(tx types.StoreTx) error {
			return tx.IncrementStatistic(c.id, msg.MetaDataID, types.StatusError)
		},
		func(tx types.StoreTx) error {
			return tx.DecrementStatistic(c.id, msg.MetaDataID, types.StatusQueued)
		},
	)
}
