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
	"fmt"

	"github.com/medrelay/medrelay/api/types"
)

// DispatchRawMessage 消息派发入口
// DispatchRawMessage moves one inbound message through the pipeline:
// intake, preprocessing, source filter/transform, per-destination fan-out and
// the finish phase. Each phase's persistence is one atomic transactional
// batch. The returned Message is fully populated even when processing failed
// internally; the only error returned is dispatching to a stopped channel.
//
// Destination branches are independent: a failure in one destination never
// prevents the remaining destinations from running.
func (c *Channel) DispatchRawMessage(ctx context.Context, raw []byte, sourceMap map[string]interface{}) (*types.Message, error) {
	switch c.State() {
	case types.StateStopped, types.StateStopping:
		return nil, ErrChannelStopped
	}

	// received counts the dispatch attempt itself, independent of any
	// transaction outcome
	c.stats.IncrementReceived()

	message, source := c.intake(ctx, raw, sourceMap)

	if err := c.process(ctx, message); err != nil {
		source.Status = types.StatusError
		source.ProcessingError = err.Error()
		if source.ErrorCode == types.ErrorCodeNone {
			source.ErrorCode = deriveErrorCode(err)
		}
		c.stats.IncrementError()
		c.persistInTransaction(
			func(tx types.StoreTx) error { return tx.UpdateStatus(source) },
			func(tx types.StoreTx) error { return tx.UpdateErrors(source) },
			func(tx types.StoreTx) error {
				return tx.IncrementStatistic(c.id, source.MetaDataID, types.StatusError)
			},
		)
	}
	return message, nil
}

// intake builds the message aggregate and persists the intake batch:
// message row, source connector message row, RAW content and the RECEIVED
// statistic.
func (c *Channel) intake(ctx context.Context, raw []byte, sourceMap map[string]interface{}) (*types.Message, *types.ConnectorMessage) {
	receivedDate := c.now()
	messageID := c.nextMessageID()

	message := types.NewMessage(c.id, messageID, c.serverID, receivedDate)
	source := types.NewConnectorMessage(c.id, c.name, messageID, 0, c.serverID, receivedDate)
	source.ConnectorName = c.source.Name()
	for k, v := range sourceMap {
		source.SourceMap.Put(k, v)
	}

	rawContent := string(raw)
	if c.attachments != nil {
		// attachments are extracted before raw content is ever persisted
		modified, err := c.attachments.ExtractAttachments(ctx, source, rawContent)
		if err != nil {
			c.logger.Printf("channel %s: extract attachments: %v", c.id, err)
		} else {
			rawContent = modified
		}
	}
	source.SetContent(types.ContentTypeRaw, rawContent, types.TEXT)
	message.ConnectorMessages[0] = source

	ops := []txOp{
		func(tx types.StoreTx) error { return tx.InsertMessage(message) },
		func(tx types.StoreTx) error { return tx.InsertConnectorMessage(source, c.storage.StoreMaps) },
	}
	if c.storage.StoreRaw {
		ops = append(ops, func(tx types.StoreTx) error {
			return tx.StoreContent(source, types.ContentTypeRaw)
		})
	}
	ops = append(ops, func(tx types.StoreTx) error {
		return tx.IncrementStatistic(c.id, 0, types.StatusReceived)
	})
	c.persistInTransaction(ops...)

	return message, source
}

// process runs phases 2-5. A returned error is the top-level failure of the
// pipeline and marks the source message ERROR in the caller.
func (c *Channel) process(ctx context.Context, message *types.Message) (err error) {
	defer func() {
		if caught := recover(); caught != nil {
			err = fmt.Errorf("pipeline panic: %v", caught)
		}
	}()

	source := message.Source()

	// Phase 2: preprocessor, persisted best-effort
	if c.scripts.Preprocessor != "" && c.executor != nil {
		processed, preErr := c.executor.ExecutePreprocessor(ctx, c.scripts.Preprocessor, source)
		if preErr != nil {
			source.ErrorCode = types.ErrorCodePreprocessor
			return fmt.Errorf("preprocessor: %w", preErr)
		}
		if processed != "" {
			source.SetContent(types.ContentTypeProcessedRaw, processed, types.TEXT)
			if c.storage.StoreProcessedRaw {
				c.persistToDb(func(tx types.StoreTx) error {
					return tx.StoreContent(source, types.ContentTypeProcessedRaw)
				})
			}
		}
	}

	// Phase 3: source filter and transformer
	accepted, err := c.source.ExecuteFilter(ctx, source)
	if err != nil {
		source.ErrorCode = types.ErrorCodeFilterTransformer
		return fmt.Errorf("source filter: %w", err)
	}
	if !accepted {
		// filtered at the source: no destinations run
		source.Status = types.StatusFiltered
		c.stats.IncrementFiltered()
		message.Processed = true
		c.persistInTransaction(
			func(tx types.StoreTx) error { return tx.UpdateStatus(source) },
			func(tx types.StoreTx) error {
				return tx.IncrementStatistic(c.id, 0, types.StatusFiltered)
			},
			func(tx types.StoreTx) error { return tx.MarkAsProcessed(c.id, message.MessageID) },
		)
		return nil
	}
	if err = c.source.ExecuteTransformer(ctx, source); err != nil {
		source.ErrorCode = types.ErrorCodeFilterTransformer
		return fmt.Errorf("source transformer: %w", err)
	}
	source.Status = types.StatusTransformed

	ops := []txOp{
		func(tx types.StoreTx) error { return tx.UpdateStatus(source) },
	}
	if c.storage.StoreTransformed {
		if _, ok := source.GetContent(types.ContentTypeTransformed); ok {
			ops = append(ops, func(tx types.StoreTx) error {
				return tx.StoreContent(source, types.ContentTypeTransformed)
			})
		}
	}
	if c.storage.StoreSourceEncoded {
		if _, ok := source.GetContent(types.ContentTypeEncoded); ok {
			ops = append(ops, func(tx types.StoreTx) error {
				return tx.StoreContent(source, types.ContentTypeEncoded)
			})
		}
	}
	// early source map snapshot; re-upserted once more at finish
	ops = append(ops, func(tx types.StoreTx) error { return tx.UpdateSourceMap(source) })
	if c.storage.StoreCustomMetaData && len(c.metaDataColumns) > 0 {
		ops = append(ops, func(tx types.StoreTx) error {
			return tx.InsertCustomMetaData(source, c.metaDataColumns)
		})
	}
	c.persistInTransaction(ops...)

	// Phase 4: destination fan-out, branches fully independent
	var enqueues []func()
	for i, dest := range c.destinations {
		if enqueue := c.processDestination(ctx, message, i+1, dest); enqueue != nil {
			enqueues = append(enqueues, enqueue)
		}
	}

	// Phase 5: finish
	c.finish(ctx, message)

	// QUEUED messages are handed to their queues only now, after the QUEUED
	// batch is committed and the pipeline is done reading them. From here on
	// the queue processor is the message's sole owner.
	for _, enqueue := range enqueues {
		enqueue()
	}
	return nil
}

// processDestination runs one destination branch. Branch errors are recorded
// on the destination's connector message and never escape to siblings. For a
// queue-enabled send failure it returns the deferred enqueue the caller runs
// after the finish phase.
func (c *Channel) processDestination(ctx context.Context, message *types.Message, metaDataID int, dest types.DestinationConnector) (enqueue func()) {
	source := message.Source()
	dm := source.Clone(metaDataID, dest.Name())
	message.ConnectorMessages[metaDataID] = dm

	defer func() {
		if caught := recover(); caught != nil {
			c.destinationError(dm, fmt.Errorf("destination panic: %v", caught), types.ErrorCodeDestination)
		}
	}()

	c.persistInTransaction(func(tx types.StoreTx) error {
		return tx.InsertConnectorMessage(dm, c.storage.StoreMaps)
	})

	accepted, err := dest.ExecuteFilter(ctx, dm)
	if err != nil {
		c.destinationError(dm, fmt.Errorf("filter: %w", err), types.ErrorCodeFilterTransformer)
		return
	}
	if !accepted {
		dm.Status = types.StatusFiltered
		c.stats.IncrementFiltered()
		c.persistInTransaction(
			func(tx types.StoreTx) error { return tx.UpdateStatus(dm) },
			func(tx types.StoreTx) error {
				return tx.IncrementStatistic(c.id, metaDataID, types.StatusFiltered)
			},
		)
		return
	}

	if err = dest.ExecuteTransformer(ctx, dm); err != nil {
		c.destinationError(dm, fmt.Errorf("transformer: %w", err), types.ErrorCodeFilterTransformer)
		return
	}
	dm.Status = types.StatusTransformed
	ops := []txOp{
		func(tx types.StoreTx) error { return tx.UpdateStatus(dm) },
	}
	if c.storage.StoreDestinationEncoded {
		if _, ok := dm.GetContent(types.ContentTypeEncoded); ok {
			ops = append(ops, func(tx types.StoreTx) error {
				return tx.StoreContent(dm, types.ContentTypeEncoded)
			})
		}
	}
	c.persistInTransaction(ops...)

	dm.SendAttempts++
	if err = dest.Send(ctx, dm); err != nil {
		if dest.IsQueueEnabled() && dest.Queue() != nil {
			// deferred success, not an error: the queue processor owns the
			// eventual SENT or ERROR resolution. The QUEUED batch commits
			// here; the handoff to the queue is deferred until the pipeline
			// is done with the message, so a retry never runs concurrently
			// with the remaining phases and always follows the commit.
			dm.Status = types.StatusQueued
			c.stats.IncrementQueued()
			c.persistInTransaction(
				func(tx types.StoreTx) error { return tx.UpdateStatus(dm) },
				func(tx types.StoreTx) error { return tx.UpdateSendAttempts(dm) },
				func(tx types.StoreTx) error {
					return tx.IncrementStatistic(c.id, metaDataID, types.StatusQueued)
				},
			)
			queue := dest.Queue()
			name := dest.Name()
			return func() {
				if qErr := queue.Add(dm); qErr != nil {
					c.logger.Printf("channel %s: enqueue for %s: %v", c.id, name, qErr)
					c.stats.DecrementQueued()
					c.persistToDb(func(tx types.StoreTx) error {
						return tx.DecrementStatistic(c.id, metaDataID, types.StatusQueued)
					})
					c.destinationError(dm, fmt.Errorf("queue: %w", qErr), types.ErrorCodeQueue)
				}
			}
		}
		c.destinationError(dm, fmt.Errorf("send: %w", err), types.ErrorCodeDestination)
		return
	}

	c.finishSend(ctx, dm, dest)
	return
}

// finishSend completes a successful send: response retrieval, the PENDING
// checkpoint around the response transformer, and the branch's final batch.
func (c *Channel) finishSend(ctx context.Context, dm *types.ConnectorMessage, dest types.DestinationConnector) {
	dm.Status = types.StatusSent
	dm.SendDate = c.now()
	c.stats.IncrementSent()
	dm.SetContent(types.ContentTypeSent, dm.EncodedOrTransformed(), types.TEXT)

	if c.storage.StoreResponse {
		if response, ok := dest.GetResponse(ctx, dm); ok {
			dm.SetContent(types.ContentTypeResponse, response, types.TEXT)
			dm.ResponseDate = c.now()

			if rt, ok := dest.(types.ResponseTransformer); ok && responseTransformerConfigured(dest) {
				// PENDING is checkpointed synchronously before the response
				// transformer runs, so a crash in between leaves a
				// detectable, resumable marker
				dm.Status = types.StatusPending
				c.persistToDb(func(tx types.StoreTx) error { return tx.UpdateStatus(dm) })

				transformed, rtErr := rt.ExecuteResponseTransformer(ctx, dm)
				if rtErr != nil {
					dm.SetContent(types.ContentTypeResponseError, rtErr.Error(), types.TEXT)
					if dm.ErrorCode == types.ErrorCodeNone {
						dm.ErrorCode = types.ErrorCodeResponseTransformer
					}
					c.logger.Printf("channel %s: response transformer for %s: %v", c.id, dest.Name(), rtErr)
				} else if transformed != "" {
					dm.SetContent(types.ContentTypeResponseTransformed, transformed, types.TEXT)
					dm.SetContent(types.ContentTypeProcessedResponse, transformed, types.TEXT)
				}
				dm.Status = types.StatusSent
			}
		}
	}

	ops := []txOp{
		func(tx types.StoreTx) error { return tx.UpdateStatus(dm) },
		func(tx types.StoreTx) error {
			return tx.IncrementStatistic(c.id, dm.MetaDataID, types.StatusSent)
		},
		func(tx types.StoreTx) error { return tx.UpdateSendAttempts(dm) },
	}
	if c.storage.StoreSent {
		ops = append(ops, func(tx types.StoreTx) error {
			return tx.StoreContent(dm, types.ContentTypeSent)
		})
	}
	for _, t := range []types.ContentType{
		types.ContentTypeResponse,
		types.ContentTypeResponseTransformed,
		types.ContentTypeProcessedResponse,
	} {
		t := t
		if !c.storeResponseContent(t) {
			continue
		}
		if _, ok := dm.GetContent(t); ok {
			ops = append(ops, func(tx types.StoreTx) error { return tx.StoreContent(dm, t) })
		}
	}
	if c.storage.StoreMaps {
		ops = append(ops, func(tx types.StoreTx) error { return tx.UpdateMaps(dm) })
	}
	if c.storage.StoreCustomMetaData && len(c.metaDataColumns) > 0 {
		ops = append(ops, func(tx types.StoreTx) error {
			return tx.InsertCustomMetaData(dm, c.metaDataColumns)
		})
	}
	if dm.ErrorCode != types.ErrorCodeNone {
		ops = append(ops, func(tx types.StoreTx) error { return tx.UpdateErrors(dm) })
	}
	c.persistInTransaction(ops...)
}

func (c *Channel) storeResponseContent(t types.ContentType) bool {
	switch t {
	case types.ContentTypeResponse:
		return c.storage.StoreResponse
	case types.ContentTypeResponseTransformed:
		return c.storage.StoreResponseTransformed
	case types.ContentTypeProcessedResponse:
		return c.storage.StoreProcessedResponse
	default:
		return false
	}
}

// responseTransformerConfigured distinguishes destinations that merely embed
// a response-transformer-capable base from destinations that actually carry a
// script. Destinations without the optional reporting method are assumed
// configured.
func responseTransformerConfigured(dest types.DestinationConnector) bool {
	if reporter, ok := dest.(interface{ HasResponseTransformer() bool }); ok {
		return reporter.HasResponseTransformer()
	}
	return true
}

// destinationError records an ERROR outcome on one destination branch.
func (c *Channel) destinationError(dm *types.ConnectorMessage, err error, code int) {
	if dm.Status == types.StatusError {
		// already finalized, keep the first terminal outcome
		return
	}
	dm.Status = types.StatusError
	dm.ProcessingError = err.Error()
	dm.ErrorCode = code
	c.stats.IncrementError()

	ops := []txOp{
		func(tx types.StoreTx) error { return tx.UpdateStatus(dm) },
		func(tx types.StoreTx) error { return tx.UpdateErrors(dm) },
		func(tx types.StoreTx) error {
			return tx.IncrementStatistic(c.id, dm.MetaDataID, types.StatusError)
		},
	}
	if c.storage.StoreMaps {
		ops = append(ops, func(tx types.StoreTx) error { return tx.UpdateMaps(dm) })
	}
	c.persistInTransaction(ops...)
}

// finish is phase 5: mirror the winning destination response onto the
// source, run the postprocessor, merge response maps, mark processed, prune
// as configured, and re-upsert the source map for late enrichment.
func (c *Channel) finish(ctx context.Context, message *types.Message) {
	source := message.Source()

	// response from the first destination with terminal status SENT wins
	for _, id := range message.DestinationIDs() {
		dm := message.ConnectorMessages[id]
		if dm.Status != types.StatusSent {
			continue
		}
		if response, ok := dm.GetContent(types.ContentTypeResponse); ok {
			source.SetContent(types.ContentTypeResponse, response.Content, response.DataType)
			source.ResponseDate = c.now()
		}
		break
	}

	if c.scripts.Postprocessor != "" && c.executor != nil {
		// postprocessor failure is recorded, never escalated
		result, err := c.executor.ExecutePostprocessor(ctx, c.scripts.Postprocessor, message)
		if err != nil {
			source.PostProcessorError = err.Error()
			if source.ErrorCode == types.ErrorCodeNone {
				source.ErrorCode = types.ErrorCodePostprocessor
			}
			c.logger.Printf("channel %s: postprocessor: %v", c.id, err)
		} else if result != "" {
			source.SetContent(types.ContentTypeProcessedResponse, result, types.TEXT)
		}
	}

	if c.storage.StoreMergedResponseMap {
		for _, id := range message.DestinationIDs() {
			source.ResponseMap.Merge(message.ConnectorMessages[id].ResponseMap)
		}
	}

	message.Processed = true

	ops := []txOp{
		func(tx types.StoreTx) error { return tx.MarkAsProcessed(c.id, message.MessageID) },
	}
	if source.PostProcessorError != "" {
		ops = append(ops, func(tx types.StoreTx) error { return tx.UpdateErrors(source) })
	}
	if c.storage.StoreMergedResponseMap {
		ops = append(ops, func(tx types.StoreTx) error { return tx.UpdateResponseMap(source) })
	}
	if c.storage.StoreResponse {
		if _, ok := source.GetContent(types.ContentTypeResponse); ok {
			ops = append(ops, func(tx types.StoreTx) error {
				return tx.StoreContent(source, types.ContentTypeResponse)
			})
		}
	}
	if c.storage.RemoveContentOnCompletion && c.contentRemovalAllowed(message) {
		ops = append(ops, func(tx types.StoreTx) error {
			return tx.DeleteContent(c.id, message.MessageID)
		})
	}
	if c.storage.RemoveAttachmentsOnCompletion {
		ops = append(ops, func(tx types.StoreTx) error {
			return tx.DeleteAttachments(c.id, message.MessageID)
		})
	}
	c.persistInTransaction(ops...)

	// late source-map enrichment from postprocessor or destinations
	c.persistToDb(func(tx types.StoreTx) error { return tx.UpdateSourceMap(source) })
}

// contentRemovalAllowed requires every destination to be terminal; a QUEUED
// destination blocks removal because its processor still needs the content.
func (c *Channel) contentRemovalAllowed(message *types.Message) bool {
	for _, id := range message.DestinationIDs() {
		dm := message.ConnectorMessages[id]
		if !dm.Status.IsTerminal() {
			return false
		}
		if c.storage.RemoveOnlyFilteredOnCompletion && dm.Status != types.StatusFiltered {
			return false
		}
	}
	return true
}

// deriveErrorCode classifies a top-level pipeline failure.
func deriveErrorCode(err error) int {
	if err == nil {
		return types.ErrorCodeNone
	}
	return types.ErrorCodeInternal
}
