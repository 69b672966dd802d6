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

// Package types defines the shared model of the MedRelay channel engine:
// message and status value types, channel storage settings, and the
// collaborator interfaces (connectors, script executor, message store,
// attachment handler) that the engine package is wired against.
//
// Package types 定义 MedRelay 通道引擎的共享模型：
// 消息与状态值类型、通道存储配置，以及引擎所依赖的协作者接口
// （连接器、脚本执行器、消息存储、附件处理器）。
package types

import (
	"context"
	"errors"
)

// 脚本类型
// script types
const (
	Js   = "Js"
	Expr = "Expr"
)

// Configuration 组件配置类型
// Configuration is the untyped configuration map decoded into a connector's
// typed config struct during Init.
type Configuration map[string]interface{}

// ErrFiltered is returned by filter evaluation helpers when a message is
// intentionally short-circuited. Filtering is not an error outcome.
var ErrFiltered = errors.New("message filtered")

// ScriptExecutor 脚本执行器
// ScriptExecutor runs the user-supplied scripts of a channel. Implementations
// live outside the engine (see the script package); the engine only depends
// on this interface. Every method honors the context for cancellation and
// surfaces script failure as a returned error.
type ScriptExecutor interface {
	// ExecuteFilter evaluates a filter script against the connector message.
	// It returns false when the message should be filtered.
	ExecuteFilter(ctx context.Context, script string, msg *ConnectorMessage) (bool, error)
	// ExecuteTransformer runs a transformer script and returns the transformed
	// content. An empty result with nil error keeps the current content.
	ExecuteTransformer(ctx context.Context, script string, msg *ConnectorMessage) (string, error)
	// ExecutePreprocessor runs the channel preprocessor against the raw
	// content and returns the processed raw content.
	ExecutePreprocessor(ctx context.Context, script string, msg *ConnectorMessage) (string, error)
	// ExecutePostprocessor runs the channel postprocessor over the completed
	// message aggregate.
	ExecutePostprocessor(ctx context.Context, script string, msg *Message) (string, error)
	// ExecuteDeploy runs the channel deploy script.
	ExecuteDeploy(ctx context.Context, script string, channelID string) error
	// ExecuteUndeploy runs the channel undeploy script.
	ExecuteUndeploy(ctx context.Context, script string, channelID string) error
	// Stop releases executor resources.
	Stop()
}

// Connector 连接器公共能力
// Connector is the capability shared by source and destination connectors.
// Concrete implementations are external collaborators of the engine.
type Connector interface {
	// Name returns the connector's display name.
	Name() string
	// Init decodes the untyped configuration and prepares the connector.
	Init(config Config, configuration Configuration) error
	// Start begins intake (source) or opens outbound resources (destination).
	Start() error
	// Stop halts the connector and releases its resources.
	Stop() error
	// ExecuteFilter runs the connector's filter. False means filtered.
	ExecuteFilter(ctx context.Context, msg *ConnectorMessage) (bool, error)
	// ExecuteTransformer runs the connector's transformer, mutating msg.
	ExecuteTransformer(ctx context.Context, msg *ConnectorMessage) error
}

// Dispatcher 消息派发入口，由通道实现
// Dispatcher is implemented by the channel and handed to source connectors so
// that an inbound payload can enter the dispatch pipeline.
type Dispatcher interface {
	DispatchRawMessage(ctx context.Context, raw []byte, sourceMap map[string]interface{}) (*Message, error)
}

// SourceConnector 源连接器
type SourceConnector interface {
	Connector
	// BindDispatcher attaches the channel's dispatch entry point. Called once
	// before Start.
	BindDispatcher(dispatcher Dispatcher)
}

// DestinationConnector 目标连接器
type DestinationConnector interface {
	Connector
	// Send delivers the outbound payload. A returned error marks the
	// destination ERROR, or QUEUED when the connector is queue-enabled.
	Send(ctx context.Context, msg *ConnectorMessage) error
	// GetResponse returns response content produced by the last Send for this
	// connector message, and whether a response is available.
	GetResponse(ctx context.Context, msg *ConnectorMessage) (string, bool)
	// IsQueueEnabled reports whether failed sends are deferred to a retry
	// queue instead of becoming ERROR outcomes.
	IsQueueEnabled() bool
	// Queue returns the retry queue, nil when not queue-enabled.
	Queue() Queue
}

// ResponseTransformer is implemented by destination connectors that carry a
// response transformer script. The pipeline checkpoints the message as
// PENDING before invoking it and restores SENT afterwards.
type ResponseTransformer interface {
	// ExecuteResponseTransformer transforms the RESPONSE content and returns
	// the transformed response.
	ExecuteResponseTransformer(ctx context.Context, msg *ConnectorMessage) (string, error)
}

// Queue 重试队列
// Queue receives connector messages whose send failed on a queue-enabled
// destination. Retry scheduling is the queue processor's concern, not the
// pipeline's; the pipeline's only contract is Add on send failure.
type Queue interface {
	// Add enqueues a connector message. It fails when the queue is full or
	// closed.
	Add(msg *ConnectorMessage) error
	// Poll removes the head of the queue, blocking until an element arrives,
	// the timeout elapses (ok=false) or the queue is closed.
	Poll(ctx context.Context) (msg *ConnectorMessage, ok bool)
	// Size returns the number of queued messages.
	Size() int
	// Close releases the queue; subsequent Add calls fail.
	Close()
}

// AttachmentHandler 附件处理器
// AttachmentHandler extracts attachments from raw content before it is first
// persisted, returning the de-attached raw content.
type AttachmentHandler interface {
	ExtractAttachments(ctx context.Context, msg *ConnectorMessage, raw string) (string, error)
}

// MessageStore 消息存储
// MessageStore is the persistence abstraction consumed by the engine. All
// row-level writes happen on a StoreTx so the engine can batch them into one
// atomic transactional phase.
type MessageStore interface {
	// TablesExist reports whether the channel's storage tables are
	// provisioned. Channels without tables skip all persistence.
	TablesExist(channelID string) bool
	// NextMessageID allocates the next message id from the channel sequence.
	NextMessageID(channelID string) (int64, error)
	// Begin opens a transaction for one persistence batch.
	Begin(channelID string) (StoreTx, error)
	// UnfinishedMessages returns messages with processed=false for recovery.
	UnfinishedMessages(channelID string, serverID string) ([]*Message, error)
	// GetStatistics loads the persisted channel statistics snapshot.
	GetStatistics(channelID string) (map[Status]int64, error)
	// GetContent reads one persisted content slot back.
	GetContent(channelID string, messageID int64, metaDataID int, t ContentType) (*MessageContent, error)
	// Close releases the store.
	Close() error
}

// StoreTx 一次事务批处理
// StoreTx is one transactional persistence batch. Either Commit applies every
// operation or the whole batch is discarded with Rollback.
type StoreTx interface {
	InsertMessage(m *Message) error
	InsertConnectorMessage(cm *ConnectorMessage, storeMaps bool) error
	StoreContent(cm *ConnectorMessage, t ContentType) error
	UpdateStatus(cm *ConnectorMessage) error
	UpdateErrors(cm *ConnectorMessage) error
	UpdateMaps(cm *ConnectorMessage) error
	UpdateSourceMap(cm *ConnectorMessage) error
	UpdateResponseMap(cm *ConnectorMessage) error
	UpdateSendAttempts(cm *ConnectorMessage) error
	InsertCustomMetaData(cm *ConnectorMessage, columns []MetaDataColumn) error
	IncrementStatistic(channelID string, metaDataID int, status Status) error
	DecrementStatistic(channelID string, metaDataID int, status Status) error
	MarkAsProcessed(channelID string, messageID int64) error
	DeleteContent(channelID string, messageID int64) error
	DeleteAttachments(channelID string, messageID int64) error
	Commit() error
	Rollback() error
}

// Pool 协程池
// Pool is the coroutine pool interface. If not configured, plain go routines
// are used.
type Pool interface {
	// Submit 往协程池提交一个任务，如果协程池满返回错误
	Submit(task func()) error
	// Release 释放
	Release()
}
