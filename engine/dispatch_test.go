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
	"errors"
	"testing"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/test"
	"github.com/medrelay/medrelay/test/assert"
)

type pipelineFixture struct {
	channel *Channel
	source  *test.Source
	dests   []*test.Destination
	store   *test.Store
}

func newPipeline(t *testing.T, config types.Config, destCount int, mutate func(def *ChannelConfig)) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		source: test.NewSource("src"),
		store:  test.NewStore(),
	}
	def := ChannelConfig{
		ID:              "ch01",
		Name:            "pipeline test",
		Source:          f.source,
		Store:           f.store,
		StorageSettings: types.DefaultStorageSettings(),
	}
	for i := 0; i < destCount; i++ {
		dest := test.NewDestination("dest " + string(rune('1'+i)))
		f.dests = append(f.dests, dest)
		def.Destinations = append(def.Destinations, dest)
	}
	if mutate != nil {
		mutate(&def)
	}
	channel, err := NewChannel(config, def)
	assert.Nil(t, err)
	f.channel = channel
	assert.Nil(t, channel.Start())
	t.Cleanup(func() {
		if channel.State() != types.StateStopped {
			_ = channel.Stop()
		}
	})
	return f
}

func (f *pipelineFixture) dispatch(t *testing.T, raw string) *types.Message {
	t.Helper()
	message, err := f.channel.DispatchRawMessage(context.Background(), []byte(raw),
		map[string]interface{}{"remoteAddress": "10.0.0.1"})
	assert.Nil(t, err)
	assert.NotNil(t, message)
	return message
}

func TestDispatchRejectedWhenStopped(t *testing.T) {
	source := test.NewSource("src")
	channel := newTestChannel(t, ChannelConfig{Source: source})

	_, err := channel.DispatchRawMessage(context.Background(), []byte("x"), nil)
	assert.True(t, errors.Is(err, ErrChannelStopped))
}

func TestDispatchSuccessfulSend(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, nil)
	message := f.dispatch(t, "MSH|payload")

	source := message.Source()
	assert.Equal(t, types.StatusTransformed, source.Status)
	assert.Equal(t, "MSH|payload", source.ContentString(types.ContentTypeRaw))
	assert.True(t, message.Processed)

	dm := message.ConnectorMessages[1]
	assert.NotNil(t, dm)
	assert.Equal(t, types.StatusSent, dm.Status)
	assert.Equal(t, 1, dm.SendAttempts)
	assert.Equal(t, "MSH|payload", dm.ContentString(types.ContentTypeSent))
	assert.Equal(t, 1, f.dests[0].SentCount())

	stats := f.channel.Statistics()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(0), stats.Error)

	// intake batch persisted the message, source row, raw content, statistic
	assert.Equal(t, 1, f.store.CountOps("InsertMessage"))
	assert.Equal(t, 1, f.store.CountOps("StoreContent(1,0,RAW)"))
	assert.Equal(t, 1, f.store.CountOps("MarkAsProcessed"))
}

func TestDispatchSourceFilterShortCircuits(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, nil)
	f.source.SetFilter(false, nil)
	message := f.dispatch(t, "payload")

	source := message.Source()
	assert.Equal(t, types.StatusFiltered, source.Status)
	// no destination branch ran
	assert.Nil(t, message.ConnectorMessages[1])
	assert.True(t, message.Processed)
	assert.Equal(t, 0, f.dests[0].SentCount())

	stats := f.channel.Statistics()
	assert.Equal(t, int64(1), stats.Filtered)
	assert.Equal(t, int64(0), stats.Sent)
	assert.Equal(t, 1, f.store.CountOps("UpdateStatus(1,0,FILTERED)"))
	assert.Equal(t, 1, f.store.CountOps("MarkAsProcessed"))
}

func TestDispatchSourceFilterError(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, nil)
	f.source.SetFilter(false, errors.New("filter blew up"))
	message := f.dispatch(t, "payload")

	source := message.Source()
	assert.Equal(t, types.StatusError, source.Status)
	assert.Equal(t, types.ErrorCodeFilterTransformer, source.ErrorCode)
	assert.NotEqual(t, "", source.ProcessingError)
	assert.False(t, message.Processed)

	stats := f.channel.Statistics()
	assert.Equal(t, int64(1), stats.Error)
	assert.Equal(t, 1, f.store.CountOps("UpdateStatus(1,0,ERROR)"))
}

func TestDispatchDestinationSendError(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, nil)
	f.dests[0].SendErr = errors.New("connection refused")
	message := f.dispatch(t, "payload")

	dm := message.ConnectorMessages[1]
	assert.Equal(t, types.StatusError, dm.Status)
	assert.Equal(t, types.ErrorCodeDestination, dm.ErrorCode)
	assert.NotEqual(t, "", dm.ProcessingError)
	// send was attempted exactly once, attempt counted
	assert.Equal(t, 1, dm.SendAttempts)

	// the source branch itself is unaffected and the message completes
	assert.True(t, message.Processed)
	stats := f.channel.Statistics()
	assert.Equal(t, int64(1), stats.Error)
	assert.Equal(t, int64(0), stats.Sent)
	assert.Equal(t, 1, f.store.CountOps("UpdateStatus(1,1,ERROR)"))
	assert.Equal(t, 1, f.store.CountOps("IncrementStatistic(1,ERROR)"))
}

func TestDispatchQueueEnabledSendErrorQueues(t *testing.T) {
	queue := newStubQueue(4)
	f := newPipeline(t, types.NewConfig(), 1, nil)
	f.dests[0].QueueEnabled = true
	f.dests[0].RetryQueue = queue
	f.dests[0].SendErr = errors.New("temporarily unavailable")
	message := f.dispatch(t, "payload")

	dm := message.ConnectorMessages[1]
	assert.Equal(t, types.StatusQueued, dm.Status)
	assert.Equal(t, types.ErrorCodeNone, dm.ErrorCode)
	assert.Equal(t, 1, queue.Size())

	stats := f.channel.Statistics()
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(0), stats.Error)
	assert.Equal(t, 1, f.store.CountOps("UpdateStatus(1,1,QUEUED)"))

	// QUEUED blocks content removal
	assert.Equal(t, 0, f.store.CountOps("DeleteContent"))
}

func TestDispatchQueueAddFailureBecomesError(t *testing.T) {
	queue := newStubQueue(4)
	queue.addErr = errors.New("queue full")
	f := newPipeline(t, types.NewConfig(), 1, nil)
	f.dests[0].QueueEnabled = true
	f.dests[0].RetryQueue = queue
	f.dests[0].SendErr = errors.New("temporarily unavailable")
	message := f.dispatch(t, "payload")

	dm := message.ConnectorMessages[1]
	assert.Equal(t, types.StatusError, dm.Status)
	assert.Equal(t, types.ErrorCodeQueue, dm.ErrorCode)

	// the already-committed QUEUED count is taken back
	stats := f.channel.Statistics()
	assert.Equal(t, int64(0), stats.Queued)
	assert.Equal(t, int64(1), stats.Error)
	assert.Equal(t, 1, f.store.CountOps("DecrementStatistic(1,QUEUED)"))
}

func TestDispatchDestinationBranchesIndependent(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 2, nil)
	f.dests[0].SendErr = errors.New("down")
	message := f.dispatch(t, "payload")

	assert.Equal(t, types.StatusError, message.ConnectorMessages[1].Status)
	assert.Equal(t, types.StatusSent, message.ConnectorMessages[2].Status)
	assert.Equal(t, 1, f.dests[1].SentCount())
	assert.True(t, message.Processed)
}

func TestDispatchDestinationFilter(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 2, nil)
	f.dests[0].SetFilter(false, nil)
	message := f.dispatch(t, "payload")

	assert.Equal(t, types.StatusFiltered, message.ConnectorMessages[1].Status)
	assert.Equal(t, types.StatusSent, message.ConnectorMessages[2].Status)
	assert.Equal(t, 0, f.dests[0].SentCount())
}

func TestDispatchDestinationTransformerError(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, nil)
	f.dests[0].TransformerErr = errors.New("bad script")
	message := f.dispatch(t, "payload")

	dm := message.ConnectorMessages[1]
	assert.Equal(t, types.StatusError, dm.Status)
	assert.Equal(t, types.ErrorCodeFilterTransformer, dm.ErrorCode)
	assert.Equal(t, 0, f.dests[0].SentCount())
}

func TestDispatchResponseMirroredToSource(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 2, nil)
	f.dests[0].SendErr = errors.New("down")
	f.dests[1].Response = "ACK|AA"
	f.dests[1].HasResponse = true
	message := f.dispatch(t, "payload")

	// the first destination with terminal SENT wins
	source := message.Source()
	assert.Equal(t, "ACK|AA", source.ContentString(types.ContentTypeResponse))
	assert.False(t, source.ResponseDate.IsZero())
}

func TestDispatchTransformedContent(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, nil)
	f.dests[0].Transform = func(msg *types.ConnectorMessage) {
		msg.SetContent(types.ContentTypeTransformed, "TRANSFORMED PAYLOAD", types.TEXT)
	}
	message := f.dispatch(t, "payload")

	dm := message.ConnectorMessages[1]
	assert.Equal(t, types.StatusSent, dm.Status)
	// the send used the transformed content
	assert.Equal(t, "TRANSFORMED PAYLOAD", dm.ContentString(types.ContentTypeSent))
	// the source branch content is untouched by the destination transformer
	assert.Equal(t, "", message.Source().ContentString(types.ContentTypeTransformed))
}

func TestDispatchPreprocessor(t *testing.T) {
	executor := &test.Executor{
		OnPreprocessor: func(script string, msg *types.ConnectorMessage) (string, error) {
			return "processed:" + msg.ContentString(types.ContentTypeRaw), nil
		},
	}
	config := types.NewConfig(types.WithScriptExecutor(executor))
	f := newPipeline(t, config, 1, func(def *ChannelConfig) {
		def.Scripts.Preprocessor = "preprocess()"
	})
	message := f.dispatch(t, "raw")

	source := message.Source()
	assert.Equal(t, "processed:raw", source.ContentString(types.ContentTypeProcessedRaw))
	assert.Equal(t, 1, f.store.CountOps("StoreContent(1,0,PROCESSED_RAW)"))
}

func TestDispatchPreprocessorError(t *testing.T) {
	executor := &test.Executor{
		OnPreprocessor: func(string, *types.ConnectorMessage) (string, error) {
			return "", errors.New("preprocessor failed")
		},
	}
	config := types.NewConfig(types.WithScriptExecutor(executor))
	f := newPipeline(t, config, 1, func(def *ChannelConfig) {
		def.Scripts.Preprocessor = "preprocess()"
	})
	message := f.dispatch(t, "raw")

	source := message.Source()
	assert.Equal(t, types.StatusError, source.Status)
	assert.Equal(t, types.ErrorCodePreprocessor, source.ErrorCode)
	// destinations never ran
	assert.Nil(t, message.ConnectorMessages[1])
}

func TestDispatchPostprocessorErrorRecordedNotEscalated(t *testing.T) {
	executor := &test.Executor{
		OnPostprocessor: func(string, *types.Message) (string, error) {
			return "", errors.New("postprocessor failed")
		},
	}
	config := types.NewConfig(types.WithScriptExecutor(executor))
	f := newPipeline(t, config, 1, func(def *ChannelConfig) {
		def.Scripts.Postprocessor = "postprocess()"
	})
	message := f.dispatch(t, "payload")

	source := message.Source()
	// the message still completes; the failure is recorded on the source
	assert.True(t, message.Processed)
	assert.NotEqual(t, "", source.PostProcessorError)
	assert.Equal(t, types.ErrorCodePostprocessor, source.ErrorCode)
	assert.Equal(t, types.StatusSent, message.ConnectorMessages[1].Status)
}

func TestDispatchResponseTransformerPendingCheckpoint(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, nil)
	f.dests[0].Response = "ACK"
	f.dests[0].HasResponse = true
	f.dests[0].ResponseTransformerScript = "transform()"
	f.dests[0].ResponseTransformerOut = "ACK-TRANSFORMED"
	message := f.dispatch(t, "payload")

	dm := message.ConnectorMessages[1]
	assert.Equal(t, types.StatusSent, dm.Status)
	assert.Equal(t, "ACK-TRANSFORMED", dm.ContentString(types.ContentTypeResponseTransformed))
	// the PENDING checkpoint was persisted before the transformer ran
	assert.Equal(t, 1, f.store.CountOps("UpdateStatus(1,1,PENDING)"))
}

func TestDispatchResponseTransformerFailureKeepsSent(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, nil)
	f.dests[0].Response = "ACK"
	f.dests[0].HasResponse = true
	f.dests[0].ResponseTransformerScript = "transform()"
	f.dests[0].ResponseTransformerErr = errors.New("response transform failed")
	message := f.dispatch(t, "payload")

	dm := message.ConnectorMessages[1]
	assert.Equal(t, types.StatusSent, dm.Status)
	assert.Equal(t, types.ErrorCodeResponseTransformer, dm.ErrorCode)
	assert.NotEqual(t, "", dm.ContentString(types.ContentTypeResponseError))
}

func TestDispatchNoPendingWithoutResponseTransformer(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, nil)
	f.dests[0].Response = "ACK"
	f.dests[0].HasResponse = true
	f.dispatch(t, "payload")
	assert.Equal(t, 0, f.store.CountOps("PENDING"))
}

func TestDispatchContentRemovalOnCompletion(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, func(def *ChannelConfig) {
		def.StorageSettings.RemoveContentOnCompletion = true
		def.StorageSettings.RemoveAttachmentsOnCompletion = true
	})
	f.dispatch(t, "payload")
	assert.Equal(t, 1, f.store.CountOps("DeleteContent"))
	assert.Equal(t, 1, f.store.CountOps("DeleteAttachments"))
}

func TestDispatchRemoveOnlyFilteredBlocksOnSent(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, func(def *ChannelConfig) {
		def.StorageSettings.RemoveContentOnCompletion = true
		def.StorageSettings.RemoveOnlyFilteredOnCompletion = true
	})
	f.dispatch(t, "payload")
	// destination ended SENT, not FILTERED, so content stays
	assert.Equal(t, 0, f.store.CountOps("DeleteContent"))
}

func TestDispatchStorageErrorsAreSwallowed(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, nil)
	f.store.FailOn["InsertMessage"] = errors.New("disk full")
	message := f.dispatch(t, "payload")

	// the message still flows end to end on in-memory state
	assert.Equal(t, types.StatusSent, message.ConnectorMessages[1].Status)
	assert.True(t, message.Processed)
	assert.True(t, f.store.Rolled > 0)
}

func TestDispatchWithoutStore(t *testing.T) {
	source := test.NewSource("src")
	dest := test.NewDestination("dest 1")
	channel := newTestChannel(t, ChannelConfig{
		Source:       source,
		Destinations: []types.DestinationConnector{dest},
	})
	assert.Nil(t, channel.Start())
	defer func() { _ = channel.Stop() }()

	message, err := channel.DispatchRawMessage(context.Background(), []byte("payload"), nil)
	assert.Nil(t, err)
	assert.Equal(t, int64(1), message.MessageID)
	assert.Equal(t, types.StatusSent, message.ConnectorMessages[1].Status)
}

func TestDispatchSourceMapEntries(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, nil)
	message, err := f.channel.DispatchRawMessage(context.Background(), []byte("x"),
		map[string]interface{}{"remoteAddress": "10.1.1.1", "method": "POST"})
	assert.Nil(t, err)

	source := message.Source()
	assert.Equal(t, "10.1.1.1", source.SourceMap.GetString("remoteAddress"))
	// destination clones inherit the source map
	assert.Equal(t, "10.1.1.1", message.ConnectorMessages[1].SourceMap.GetString("remoteAddress"))
}

func TestDispatchCustomMetaData(t *testing.T) {
	f := newPipeline(t, types.NewConfig(), 1, func(def *ChannelConfig) {
		def.MetaDataColumns = []types.MetaDataColumn{
			{Name: "MRN", Type: types.MetaDataTypeString, MappingName: "mrn"},
		}
	})
	f.dispatch(t, "payload")
	assert.True(t, f.store.CountOps("InsertCustomMetaData") >= 1)
}

// stubQueue lets tests fail Add deterministically.
type stubQueue struct {
	msgs   chan *types.ConnectorMessage
	addErr error
}

func newStubQueue(capacity int) *stubQueue {
	return &stubQueue{msgs: make(chan *types.ConnectorMessage, capacity)}
}

func (q *stubQueue) Add(msg *types.ConnectorMessage) error {
	if q.addErr != nil {
		return q.addErr
	}
	q.msgs <- msg
	return nil
}

func (q *stubQueue) Poll(ctx context.Context) (*types.ConnectorMessage, bool) {
	select {
	case msg := <-q.msgs:
		return msg, true
	case <-ctx.Done():
		return nil, false
	}
}

func (q *stubQueue) Size() int { return len(q.msgs) }

func (q *stubQueue) Close() {}
