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

// Package sql implements types.MessageStore on database/sql. Every channel
// gets its own set of tables derived from the channel id, so per-channel
// pruning and statistics never scan other channels' rows. MySQL and Postgres
// are supported through their standard drivers.
//
// Package sql 基于 database/sql 实现消息存储，每个通道独立建表。
package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/utils/json"
	"github.com/medrelay/medrelay/utils/str"
)

// supported driver names
const (
	DriverMysql    = "mysql"
	DriverPostgres = "postgres"
)

// ErrUnsupportedDriver is returned by NewStore for unknown driver names.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Config 存储配置
type Config struct {
	// DriverName is mysql or postgres.
	DriverName string
	// DSN is the driver-specific data source name.
	DSN string
	// TablePrefix prepends every generated table name, default "d_".
	TablePrefix string
	// MaxOpenConns limits the connection pool, 0 keeps the driver default.
	MaxOpenConns int
}

var _ types.MessageStore = (*Store)(nil)

// Store is the database/sql message store.
type Store struct {
	db     *sql.DB
	config Config
	logger types.Logger
}

// NewStore opens the database and verifies connectivity.
func NewStore(config Config, logger types.Logger) (*Store, error) {
	if config.DriverName != DriverMysql && config.DriverName != DriverPostgres {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, config.DriverName)
	}
	if config.TablePrefix == "" {
		config.TablePrefix = "d_"
	}
	if logger == nil {
		logger = types.DefaultLogger()
	}
	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, err
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, config: config, logger: logger}, nil
}

// TablesExist probes the channel's message table. A failed probe means the
// channel has no storage and the engine skips persistence for it.
func (s *Store) TablesExist(channelID string) bool {
	query := "SELECT 1 FROM " + s.table("m", channelID) + " LIMIT 1"
	var one int
	err := s.db.QueryRow(query).Scan(&one)
	return err == nil || errors.Is(err, sql.ErrNoRows)
}

// NextMessageID allocates the next message id from the channel's sequence
// table.
func (s *Store) NextMessageID(channelID string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	seq := s.table("msq", channelID)
	if _, err = tx.Exec("UPDATE " + seq + " SET id = id + 1"); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	var id int64
	if err = tx.QueryRow("SELECT id FROM " + seq).Scan(&id); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	return id, tx.Commit()
}

// Begin opens one transactional persistence batch.
func (s *Store) Begin(channelID string) (types.StoreTx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &storeTx{store: s, tx: tx, channelID: channelID}, nil
}

// UnfinishedMessages loads messages with processed=false together with their
// connector messages, for crash recovery.
func (s *Store) UnfinishedMessages(channelID string, serverID string) ([]*types.Message, error) {
	query := s.rebind("SELECT id, server_id, received_date FROM " + s.table("m", channelID) +
		" WHERE processed = ? AND server_id = ? ORDER BY id")
	rows, err := s.db.Query(query, false, serverID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		var id int64
		var srv string
		var received time.Time
		if err = rows.Scan(&id, &srv, &received); err != nil {
			return nil, err
		}
		m := types.NewMessage(channelID, id, srv, received)
		messages = append(messages, m)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	for _, m := range messages {
		if err = s.loadConnectorMessages(channelID, m); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

func (s *Store) loadConnectorMessages(channelID string, m *types.Message) error {
	query := s.rebind("SELECT metadata_id, connector_name, status, received_date, send_attempts," +
		" error_code, processing_error FROM " + s.table("mm", channelID) +
		" WHERE message_id = ? ORDER BY metadata_id")
	rows, err := s.db.Query(query, m.MessageID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var metaDataID, sendAttempts, errorCode int
		var connectorName, status string
		var processingError sql.NullString
		var received time.Time
		if err = rows.Scan(&metaDataID, &connectorName, &status, &received,
			&sendAttempts, &errorCode, &processingError); err != nil {
			return err
		}
		cm := types.NewConnectorMessage(channelID, "", m.MessageID, metaDataID, m.ServerID, received)
		cm.ConnectorName = connectorName
		cm.Status = types.Status(status)
		cm.SendAttempts = sendAttempts
		cm.ErrorCode = errorCode
		cm.ProcessingError = processingError.String
		m.ConnectorMessages[metaDataID] = cm
	}
	if err = rows.Err(); err != nil {
		return err
	}
	// queued destinations need their outbound payload back for the retry queue
	for _, cm := range m.ConnectorMessages {
		if cm.Status != types.StatusQueued {
			continue
		}
		for _, t := range []types.ContentType{types.ContentTypeEncoded, types.ContentTypeTransformed, types.ContentTypeRaw} {
			c, err := s.GetContent(channelID, m.MessageID, cm.MetaDataID, t)
			if err == nil && c != nil {
				cm.SetContent(t, c.Content, c.DataType)
				break
			}
		}
	}
	return nil
}

// GetStatistics loads the persisted per-status counters for the channel,
// aggregated over the source row and every destination row.
func (s *Store) GetStatistics(channelID string) (map[types.Status]int64, error) {
	query := statisticsQuery(s.table("ms", channelID))
	stats := make(map[types.Status]int64)
	var received, filtered, queued, sent, errored int64
	err := s.db.QueryRow(query).Scan(&received, &filtered, &queued, &sent, &errored)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, nil
	}
	if err != nil {
		return nil, err
	}
	stats[types.StatusReceived] = received
	stats[types.StatusFiltered] = filtered
	stats[types.StatusQueued] = queued
	stats[types.StatusSent] = sent
	stats[types.StatusError] = errored
	return stats, nil
}

// statisticsQuery sums counters across all metadata ids: received/filtered
// live on the source row (metadata_id 0), sent/queued/error on the
// destination rows.
func statisticsQuery(table string) string {
	return "SELECT COALESCE(SUM(received), 0), COALESCE(SUM(filtered), 0)," +
		" COALESCE(SUM(queued), 0), COALESCE(SUM(sent), 0), COALESCE(SUM(error), 0)" +
		" FROM " + table
}

// GetContent reads one persisted content slot back.
func (s *Store) GetContent(channelID string, messageID int64, metaDataID int, t types.ContentType) (*types.MessageContent, error) {
	query := s.rebind("SELECT content, data_type FROM " + s.table("mc", channelID) +
		" WHERE message_id = ? AND metadata_id = ? AND content_type = ?")
	var content, dataType string
	err := s.db.QueryRow(query, messageID, metaDataID, int(t)).Scan(&content, &dataType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &types.MessageContent{
		ChannelID:  channelID,
		MessageID:  messageID,
		MetaDataID: metaDataID,
		Type:       t,
		Content:    content,
		DataType:   types.DataType(dataType),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// table builds the per-channel table name, e.g. mc + "ch01" -> d_mc_ch01.
func (s *Store) table(entity, channelID string) string {
	return s.config.TablePrefix + entity + "_" + sanitizeChannelID(channelID)
}

func (s *Store) rebind(query string) string {
	return str.ConvertDollarPlaceholder(query, s.config.DriverName)
}

// sanitizeChannelID maps a channel id onto a safe table name fragment.
func sanitizeChannelID(channelID string) string {
	var b strings.Builder
	for _, r := range channelID {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func marshalValue(value interface{}) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalVarMap(vm *types.VarMap) (string, error) {
	if vm == nil || vm.Len() == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(vm)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
