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

package sql

import (
	"database/sql"

	"github.com/medrelay/medrelay/api/types"
)

var _ types.StoreTx = (*storeTx)(nil)

// storeTx 一次事务批处理
// storeTx executes one persistence batch on a single database transaction.
type storeTx struct {
	store     *Store
	tx        *sql.Tx
	channelID string
}

func (t *storeTx) exec(query string, args ...interface{}) error {
	_, err := t.tx.Exec(t.store.rebind(query), args...)
	return err
}

func (t *storeTx) InsertMessage(m *types.Message) error {
	return t.exec("INSERT INTO "+t.store.table("m", t.channelID)+
		" (id, server_id, received_date, processed) VALUES (?, ?, ?, ?)",
		m.MessageID, m.ServerID, m.ReceivedDate, m.Processed)
}

func (t *storeTx) InsertConnectorMessage(cm *types.ConnectorMessage, storeMaps bool) error {
	err := t.exec("INSERT INTO "+t.store.table("mm", t.channelID)+
		" (message_id, metadata_id, connector_name, status, received_date, send_attempts, error_code, processing_error)"+
		" VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		cm.MessageID, cm.MetaDataID, cm.ConnectorName, string(cm.Status),
		cm.ReceivedDate, cm.SendAttempts, cm.ErrorCode, cm.ProcessingError)
	if err != nil {
		return err
	}
	if storeMaps {
		return t.UpdateMaps(cm)
	}
	return nil
}

func (t *storeTx) StoreContent(cm *types.ConnectorMessage, contentType types.ContentType) error {
	c, ok := cm.GetContent(contentType)
	if !ok {
		return nil
	}
	// delete-then-insert keeps the statement portable across both drivers
	err := t.exec("DELETE FROM "+t.store.table("mc", t.channelID)+
		" WHERE message_id = ? AND metadata_id = ? AND content_type = ?",
		cm.MessageID, cm.MetaDataID, int(contentType))
	if err != nil {
		return err
	}
	return t.exec("INSERT INTO "+t.store.table("mc", t.channelID)+
		" (message_id, metadata_id, content_type, content, data_type) VALUES (?, ?, ?, ?, ?)",
		cm.MessageID, cm.MetaDataID, int(contentType), c.Content, string(c.DataType))
}

func (t *storeTx) UpdateStatus(cm *types.ConnectorMessage) error {
	return t.exec("UPDATE "+t.store.table("mm", t.channelID)+
		" SET status = ? WHERE message_id = ? AND metadata_id = ?",
		string(cm.Status), cm.MessageID, cm.MetaDataID)
}

func (t *storeTx) UpdateErrors(cm *types.ConnectorMessage) error {
	return t.exec("UPDATE "+t.store.table("mm", t.channelID)+
		" SET error_code = ?, processing_error = ?, postprocessor_error = ?"+
		" WHERE message_id = ? AND metadata_id = ?",
		cm.ErrorCode, cm.ProcessingError, cm.PostProcessorError, cm.MessageID, cm.MetaDataID)
}

func (t *storeTx) UpdateMaps(cm *types.ConnectorMessage) error {
	sourceMap, err := marshalVarMap(cm.SourceMap)
	if err != nil {
		return err
	}
	channelMap, err := marshalVarMap(cm.ChannelMap)
	if err != nil {
		return err
	}
	connectorMap, err := marshalVarMap(cm.ConnectorMap)
	if err != nil {
		return err
	}
	responseMap, err := marshalVarMap(cm.ResponseMap)
	if err != nil {
		return err
	}
	err = t.exec("DELETE FROM "+t.store.table("mp", t.channelID)+
		" WHERE message_id = ? AND metadata_id = ?", cm.MessageID, cm.MetaDataID)
	if err != nil {
		return err
	}
	return t.exec("INSERT INTO "+t.store.table("mp", t.channelID)+
		" (message_id, metadata_id, source_map, channel_map, connector_map, response_map)"+
		" VALUES (?, ?, ?, ?, ?, ?)",
		cm.MessageID, cm.MetaDataID, sourceMap, channelMap, connectorMap, responseMap)
}

func (t *storeTx) UpdateSourceMap(cm *types.ConnectorMessage) error {
	sourceMap, err := marshalVarMap(cm.SourceMap)
	if err != nil {
		return err
	}
	return t.upsertMapColumn(cm, "source_map", sourceMap)
}

func (t *storeTx) UpdateResponseMap(cm *types.ConnectorMessage) error {
	responseMap, err := marshalVarMap(cm.ResponseMap)
	if err != nil {
		return err
	}
	return t.upsertMapColumn(cm, "response_map", responseMap)
}

// upsertMapColumn updates one map column, inserting the row when the message
// has never had its maps stored.
func (t *storeTx) upsertMapColumn(cm *types.ConnectorMessage, column, value string) error {
	res, err := t.tx.Exec(t.store.rebind("UPDATE "+t.store.table("mp", t.channelID)+
		" SET "+column+" = ? WHERE message_id = ? AND metadata_id = ?"),
		value, cm.MessageID, cm.MetaDataID)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		return nil
	}
	return t.exec("INSERT INTO "+t.store.table("mp", t.channelID)+
		" (message_id, metadata_id, source_map, channel_map, connector_map, response_map)"+
		" VALUES (?, ?, ?, ?, ?, ?)",
		cm.MessageID, cm.MetaDataID,
		mapColumnValue(column, "source_map", value),
		mapColumnValue(column, "channel_map", ""),
		mapColumnValue(column, "connector_map", ""),
		mapColumnValue(column, "response_map", value))
}

func mapColumnValue(column, want, value string) string {
	if column == want {
		return value
	}
	return "{}"
}

func (t *storeTx) UpdateSendAttempts(cm *types.ConnectorMessage) error {
	var sendDate interface{}
	if !cm.SendDate.IsZero() {
		sendDate = cm.SendDate
	}
	return t.exec("UPDATE "+t.store.table("mm", t.channelID)+
		" SET send_attempts = ?, send_date = ? WHERE message_id = ? AND metadata_id = ?",
		cm.SendAttempts, sendDate, cm.MessageID, cm.MetaDataID)
}

func (t *storeTx) InsertCustomMetaData(cm *types.ConnectorMessage, columns []types.MetaDataColumn) error {
	for _, col := range columns {
		value, ok := cm.ConnectorMap.Get(col.MappingName)
		if !ok {
			value, ok = cm.ChannelMap.Get(col.MappingName)
		}
		if !ok {
			value, ok = cm.SourceMap.Get(col.MappingName)
		}
		if !ok {
			continue
		}
		err := t.exec("INSERT INTO "+t.store.table("mcm", t.channelID)+
			" (message_id, metadata_id, column_name, column_value) VALUES (?, ?, ?, ?)",
			cm.MessageID, cm.MetaDataID, col.Name, toMetaDataValue(value))
		if err != nil {
			return err
		}
	}
	return nil
}

func toMetaDataValue(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	data, err := marshalValue(value)
	if err != nil {
		return ""
	}
	return data
}

func (t *storeTx) IncrementStatistic(channelID string, metaDataID int, status types.Status) error {
	column := statisticColumn(status)
	if column == "" {
		return nil
	}
	res, err := t.tx.Exec(t.store.rebind("UPDATE "+t.store.table("ms", channelID)+
		" SET "+column+" = "+column+" + 1 WHERE metadata_id = ?"), metaDataID)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		return nil
	}
	return t.exec("INSERT INTO "+t.store.table("ms", channelID)+
		" (metadata_id, received, filtered, queued, sent, error) VALUES (?, ?, ?, ?, ?, ?)",
		metaDataID,
		boolCount(status == types.StatusReceived),
		boolCount(status == types.StatusFiltered),
		boolCount(status == types.StatusQueued),
		boolCount(status == types.StatusSent),
		boolCount(status == types.StatusError))
}

// DecrementStatistic takes back one previously persisted count, flooring at
// zero. Used when a QUEUED message is resolved by the queue processor.
func (t *storeTx) DecrementStatistic(channelID string, metaDataID int, status types.Status) error {
	column := statisticColumn(status)
	if column == "" {
		return nil
	}
	return t.exec("UPDATE "+t.store.table("ms", channelID)+
		" SET "+column+" = "+column+" - 1 WHERE metadata_id = ? AND "+column+" > 0", metaDataID)
}

func statisticColumn(status types.Status) string {
	switch status {
	case types.StatusReceived:
		return "received"
	case types.StatusFiltered:
		return "filtered"
	case types.StatusQueued:
		return "queued"
	case types.StatusSent:
		return "sent"
	case types.StatusError:
		return "error"
	default:
		return ""
	}
}

func boolCount(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (t *storeTx) MarkAsProcessed(channelID string, messageID int64) error {
	return t.exec("UPDATE "+t.store.table("m", channelID)+
		" SET processed = ? WHERE id = ?", true, messageID)
}

func (t *storeTx) DeleteContent(channelID string, messageID int64) error {
	return t.exec("DELETE FROM "+t.store.table("mc", channelID)+
		" WHERE message_id = ?", messageID)
}

func (t *storeTx) DeleteAttachments(channelID string, messageID int64) error {
	return t.exec("DELETE FROM "+t.store.table("ma", channelID)+
		" WHERE message_id = ?", messageID)
}

func (t *storeTx) Commit() error {
	return t.tx.Commit()
}

func (t *storeTx) Rollback() error {
	return t.tx.Rollback()
}
