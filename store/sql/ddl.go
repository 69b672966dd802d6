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

import "fmt"

// per-channel table entities: m message, mm connector message, mc content,
// mp maps, mcm custom metadata, ma attachments, ms statistics, msq sequence
var channelEntities = []string{"m", "mm", "mc", "mp", "mcm", "ma", "ms", "msq"}

// CreateChannelTables provisions all per-channel tables. Existing tables are
// left alone. Call this once when a channel is first configured with
// persistence.
func (s *Store) CreateChannelTables(channelID string) error {
	longText := "LONGTEXT"
	boolType := "BOOLEAN"
	if s.config.DriverName == DriverPostgres {
		longText = "TEXT"
	}
	statements := []string{
		"CREATE TABLE IF NOT EXISTS " + s.table("m", channelID) + ` (
			id BIGINT NOT NULL,
			server_id VARCHAR(36) NOT NULL,
			received_date TIMESTAMP NOT NULL,
			processed ` + boolType + ` NOT NULL,
			PRIMARY KEY (id)
		)`,
		"CREATE TABLE IF NOT EXISTS " + s.table("mm", channelID) + ` (
			message_id BIGINT NOT NULL,
			metadata_id INT NOT NULL,
			connector_name VARCHAR(255),
			status VARCHAR(16) NOT NULL,
			received_date TIMESTAMP NOT NULL,
			send_date TIMESTAMP NULL,
			send_attempts INT NOT NULL DEFAULT 0,
			error_code INT NOT NULL DEFAULT 0,
			processing_error ` + longText + `,
			postprocessor_error ` + longText + `,
			PRIMARY KEY (message_id, metadata_id)
		)`,
		"CREATE TABLE IF NOT EXISTS " + s.table("mc", channelID) + ` (
			message_id BIGINT NOT NULL,
			metadata_id INT NOT NULL,
			content_type INT NOT NULL,
			content ` + longText + `,
			data_type VARCHAR(16),
			PRIMARY KEY (message_id, metadata_id, content_type)
		)`,
		"CREATE TABLE IF NOT EXISTS " + s.table("mp", channelID) + ` (
			message_id BIGINT NOT NULL,
			metadata_id INT NOT NULL,
			source_map ` + longText + `,
			channel_map ` + longText + `,
			connector_map ` + longText + `,
			response_map ` + longText + `,
			PRIMARY KEY (message_id, metadata_id)
		)`,
		"CREATE TABLE IF NOT EXISTS " + s.table("mcm", channelID) + ` (
			message_id BIGINT NOT NULL,
			metadata_id INT NOT NULL,
			column_name VARCHAR(255) NOT NULL,
			column_value ` + longText + `,
			PRIMARY KEY (message_id, metadata_id, column_name)
		)`,
		"CREATE TABLE IF NOT EXISTS " + s.table("ma", channelID) + ` (
			id VARCHAR(36) NOT NULL,
			message_id BIGINT NOT NULL,
			attachment ` + longText + `,
			attachment_type VARCHAR(64),
			PRIMARY KEY (id)
		)`,
		"CREATE TABLE IF NOT EXISTS " + s.table("ms", channelID) + ` (
			metadata_id INT NOT NULL,
			received BIGINT NOT NULL DEFAULT 0,
			filtered BIGINT NOT NULL DEFAULT 0,
			queued BIGINT NOT NULL DEFAULT 0,
			sent BIGINT NOT NULL DEFAULT 0,
			error BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (metadata_id)
		)`,
		"CREATE TABLE IF NOT EXISTS " + s.table("msq", channelID) + ` (
			id BIGINT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create channel tables: %w", err)
		}
	}
	// seed the sequence at zero if it is empty
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + s.table("msq", channelID)).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := s.db.Exec("INSERT INTO " + s.table("msq", channelID) + " (id) VALUES (0)"); err != nil {
			return err
		}
	}
	return nil
}

// DropChannelTables removes every per-channel table. Used when a channel is
// deleted for good.
func (s *Store) DropChannelTables(channelID string) error {
	for _, entity := range channelEntities {
		if _, err := s.db.Exec("DROP TABLE IF EXISTS " + s.table(entity, channelID)); err != nil {
			return err
		}
	}
	return nil
}
