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

package types

import (
	"sort"
	"time"
)

// Status 连接器消息状态
// Status is the processing status of a connector message. Transitions are
// strictly ordered: RECEIVED -> {FILTERED|ERROR|TRANSFORMED},
// TRANSFORMED -> {SENT|QUEUED|ERROR}. SENT may transiently become PENDING
// while a response transformer runs and then reverts to SENT.
type Status string

const (
	StatusReceived    = Status("RECEIVED")
	StatusFiltered    = Status("FILTERED")
	StatusTransformed = Status("TRANSFORMED")
	StatusSent        = Status("SENT")
	StatusQueued      = Status("QUEUED")
	StatusError       = Status("ERROR")
	// StatusPending marks a sent message whose response transformer has not
	// completed. It is a crash-recovery checkpoint, not a terminal status.
	StatusPending = Status("PENDING")
)

// IsTerminal 是否终态
// IsTerminal reports whether the status is one of the three terminal statuses.
// QUEUED is deliberately excluded: only a queue processor may advance it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFiltered, StatusSent, StatusError:
		return true
	default:
		return false
	}
}

// IsCompleted reports whether the dispatch pipeline is finished with this
// connector message, including the QUEUED semi-terminal state.
func (s Status) IsCompleted() bool {
	return s.IsTerminal() || s == StatusQueued
}

// ContentType 消息内容槽位类型
// ContentType names one independently persistable content slot on a
// connector message.
type ContentType int

const (
	ContentTypeRaw ContentType = iota + 1
	ContentTypeProcessedRaw
	ContentTypeTransformed
	ContentTypeEncoded
	ContentTypeSent
	ContentTypeResponse
	ContentTypeResponseTransformed
	ContentTypeProcessedResponse
	ContentTypeConnectorMap
	ContentTypeChannelMap
	ContentTypeResponseMap
	ContentTypeProcessingError
	ContentTypePostprocessorError
	ContentTypeResponseError
	ContentTypeSourceMap
)

var contentTypeNames = map[ContentType]string{
	ContentTypeRaw:                 "RAW",
	ContentTypeProcessedRaw:        "PROCESSED_RAW",
	ContentTypeTransformed:         "TRANSFORMED",
	ContentTypeEncoded:             "ENCODED",
	ContentTypeSent:                "SENT",
	ContentTypeResponse:            "RESPONSE",
	ContentTypeResponseTransformed: "RESPONSE_TRANSFORMED",
	ContentTypeProcessedResponse:   "PROCESSED_RESPONSE",
	ContentTypeConnectorMap:        "CONNECTOR_MAP",
	ContentTypeChannelMap:          "CHANNEL_MAP",
	ContentTypeResponseMap:         "RESPONSE_MAP",
	ContentTypeProcessingError:     "PROCESSING_ERROR",
	ContentTypePostprocessorError:  "POSTPROCESSOR_ERROR",
	ContentTypeResponseError:       "RESPONSE_ERROR",
	ContentTypeSourceMap:           "SOURCE_MAP",
}

func (c ContentType) String() string {
	return contentTypeNames[c]
}

// DataType 内容数据类型
type DataType string

const (
	TEXT   = DataType("TEXT")
	JSON   = DataType("JSON")
	BINARY = DataType("BINARY")
)

// MessageContent is one content slot of a connector message.
type MessageContent struct {
	ChannelID  string      `json:"channelId"`
	MessageID  int64       `json:"messageId"`
	MetaDataID int         `json:"metaDataId"`
	Type       ContentType `json:"type"`
	Content    string      `json:"content"`
	DataType   DataType    `json:"dataType"`
}

// ConnectorMessage 每个（消息、连接器）组合的可变记录
// ConnectorMessage is the per-(message, connector) mutable record moved
// through the dispatch pipeline. MetaDataID 0 is the source connector,
// 1..N are destinations in configured order.
type ConnectorMessage struct {
	ChannelID     string
	ChannelName   string
	MessageID     int64
	MetaDataID    int
	ServerID      string
	ConnectorName string

	Status       Status
	ReceivedDate time.Time
	SendDate     time.Time
	ResponseDate time.Time
	SendAttempts int

	// ErrorCode is a derived numeric code, 0 when no error occurred.
	ErrorCode          int
	ProcessingError    string
	PostProcessorError string

	// content slots keyed by ContentType, absent until set
	content map[ContentType]*MessageContent

	SourceMap    *VarMap
	ChannelMap   *VarMap
	ConnectorMap *VarMap
	ResponseMap  *VarMap
}

// NewConnectorMessage creates a connector message in RECEIVED status with
// empty maps.
func NewConnectorMessage(channelID, channelName string, messageID int64, metaDataID int, serverID string, receivedDate time.Time) *ConnectorMessage {
	return &ConnectorMessage{
		ChannelID:    channelID,
		ChannelName:  channelName,
		MessageID:    messageID,
		MetaDataID:   metaDataID,
		ServerID:     serverID,
		Status:       StatusReceived,
		ReceivedDate: receivedDate,
		content:      make(map[ContentType]*MessageContent),
		SourceMap:    NewVarMap(),
		ChannelMap:   NewVarMap(),
		ConnectorMap: NewVarMap(),
		ResponseMap:  NewVarMap(),
	}
}

// SetContent sets the given content slot, overwriting any previous value.
func (cm *ConnectorMessage) SetContent(t ContentType, content string, dataType DataType) {
	if cm.content == nil {
		cm.content = make(map[ContentType]*MessageContent)
	}
	cm.content[t] = &MessageContent{
		ChannelID:  cm.ChannelID,
		MessageID:  cm.MessageID,
		MetaDataID: cm.MetaDataID,
		Type:       t,
		Content:    content,
		DataType:   dataType,
	}
}

// GetContent returns the content slot and whether it is present.
func (cm *ConnectorMessage) GetContent(t ContentType) (*MessageContent, bool) {
	c, ok := cm.content[t]
	return c, ok
}

// ContentString returns the content string for the slot, or "" when absent.
func (cm *ConnectorMessage) ContentString(t ContentType) string {
	if c, ok := cm.content[t]; ok {
		return c.Content
	}
	return ""
}

// EncodedOrTransformed returns the outbound payload preferred by senders:
// ENCODED when present, else TRANSFORMED, else RAW.
func (cm *ConnectorMessage) EncodedOrTransformed() string {
	for _, t := range []ContentType{ContentTypeEncoded, ContentTypeTransformed, ContentTypeRaw} {
		if c, ok := cm.content[t]; ok {
			return c.Content
		}
	}
	return ""
}

// Clone makes a destination connector message from the source message.
// Content slots and maps are copied so destination branches never share
// mutable state with each other or with the source.
func (cm *ConnectorMessage) Clone(metaDataID int, connectorName string) *ConnectorMessage {
	clone := NewConnectorMessage(cm.ChannelID, cm.ChannelName, cm.MessageID, metaDataID, cm.ServerID, cm.ReceivedDate)
	clone.ConnectorName = connectorName
	for t, c := range cm.content {
		clone.SetContent(t, c.Content, c.DataType)
	}
	clone.SourceMap = cm.SourceMap.Copy()
	clone.ChannelMap = cm.ChannelMap.Copy()
	return clone
}

// Message 一条入站消息的聚合体
// Message aggregates one source connector message (metaDataID 0) plus one
// connector message per destination. Persisted rows outlive this object.
type Message struct {
	ChannelID    string
	MessageID    int64
	ServerID     string
	ReceivedDate time.Time
	// Processed is set true only after all pipeline phases complete or the
	// message was filtered at the source.
	Processed bool

	ConnectorMessages map[int]*ConnectorMessage
}

// NewMessage creates an empty message aggregate.
func NewMessage(channelID string, messageID int64, serverID string, receivedDate time.Time) *Message {
	return &Message{
		ChannelID:         channelID,
		MessageID:         messageID,
		ServerID:          serverID,
		ReceivedDate:      receivedDate,
		ConnectorMessages: make(map[int]*ConnectorMessage),
	}
}

// Source returns the source connector message, nil before intake.
func (m *Message) Source() *ConnectorMessage {
	return m.ConnectorMessages[0]
}

// DestinationIDs returns destination metadata ids in ascending order.
func (m *Message) DestinationIDs() []int {
	ids := make([]int, 0, len(m.ConnectorMessages))
	for id := range m.ConnectorMessages {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// MergedConnectorMessage returns a view of the source connector message with
// every destination's response map merged in, used by receivers to answer
// their callers.
func (m *Message) MergedConnectorMessage() *ConnectorMessage {
	source := m.Source()
	if source == nil {
		return nil
	}
	merged := source.Clone(0, source.ConnectorName)
	merged.Status = source.Status
	merged.ResponseMap = source.ResponseMap.Copy()
	for _, id := range m.DestinationIDs() {
		merged.ResponseMap.Merge(m.ConnectorMessages[id].ResponseMap)
	}
	return merged
}
