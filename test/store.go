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

package test

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/medrelay/medrelay/api/types"
)

// Op is one recorded store operation, e.g. "UpdateStatus(1,0,SENT)".
type Op string

// Store is an in-memory types.MessageStore that records every operation of
// every committed transaction, in order. Rolled-back batches leave no trace
// in Ops.
type Store struct {
	lock sync.Mutex

	Exists    bool
	BeginErr  error
	nextID    int64
	Ops       []Op
	Committed int
	Rolled    int

	// FailOn makes the named operation return an error inside a batch.
	FailOn map[string]error
	// Gate, when set, is called with each operation's string form before it
	// is recorded. Tests use it to stall a specific operation.
	Gate func(op string)

	Unfinished []*types.Message
	Statistics map[types.Status]int64
}

// NewStore creates a store whose tables exist.
func NewStore() *Store {
	return &Store{Exists: true, FailOn: make(map[string]error)}
}

func (s *Store) TablesExist(string) bool { return s.Exists }

func (s *Store) NextMessageID(string) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *Store) Begin(channelID string) (types.StoreTx, error) {
	if s.BeginErr != nil {
		return nil, s.BeginErr
	}
	return &storeTx{store: s}, nil
}

func (s *Store) UnfinishedMessages(string, string) ([]*types.Message, error) {
	return s.Unfinished, nil
}

func (s *Store) GetStatistics(string) (map[types.Status]int64, error) {
	if s.Statistics == nil {
		return map[types.Status]int64{}, nil
	}
	return s.Statistics, nil
}

func (s *Store) GetContent(string, int64, int, types.ContentType) (*types.MessageContent, error) {
	return nil, nil
}

func (s *Store) Close() error { return nil }

// OpsMatching returns the recorded operations whose string form contains the
// given substring.
func (s *Store) OpsMatching(substr string) []Op {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []Op
	for _, op := range s.Ops {
		if strings.Contains(string(op), substr) {
			out = append(out, op)
		}
	}
	return out
}

// CountOps returns how many recorded operations contain the substring.
func (s *Store) CountOps(substr string) int {
	return len(s.OpsMatching(substr))
}

// FirstOp returns the index of the first recorded operation containing the
// substring, or -1.
func (s *Store) FirstOp(substr string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, op := range s.Ops {
		if strings.Contains(string(op), substr) {
			return i
		}
	}
	return -1
}

func (s *Store) commit(ops []Op) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.Ops = append(s.Ops, ops...)
	s.Committed++
}

func (s *Store) rollback() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.Rolled++
}

type storeTx struct {
	store *Store
	ops   []Op
	done  bool
}

func (t *storeTx) record(name string, args ...interface{}) error {
	if err, ok := t.store.FailOn[name]; ok && err != nil {
		return err
	}
	op := name + "("
	for i, a := range args {
		if i > 0 {
			op += ","
		}
		op += fmt.Sprintf("%v", a)
	}
	op += ")"
	if t.store.Gate != nil {
		t.store.Gate(op)
	}
	t.ops = append(t.ops, Op(op))
	return nil
}

func (t *storeTx) InsertMessage(m *types.Message) error {
	return t.record("InsertMessage", m.MessageID)
}

func (t *storeTx) InsertConnectorMessage(cm *types.ConnectorMessage, storeMaps bool) error {
	return t.record("InsertConnectorMessage", cm.MessageID, cm.MetaDataID, storeMaps)
}

func (t *storeTx) StoreContent(cm *types.ConnectorMessage, contentType types.ContentType) error {
	return t.record("StoreContent", cm.MessageID, cm.MetaDataID, contentType.String())
}

func (t *storeTx) UpdateStatus(cm *types.ConnectorMessage) error {
	return t.record("UpdateStatus", cm.MessageID, cm.MetaDataID, string(cm.Status))
}

func (t *storeTx) UpdateErrors(cm *types.ConnectorMessage) error {
	return t.record("UpdateErrors", cm.MessageID, cm.MetaDataID, cm.ErrorCode)
}

func (t *storeTx) UpdateMaps(cm *types.ConnectorMessage) error {
	return t.record("UpdateMaps", cm.MessageID, cm.MetaDataID)
}

func (t *storeTx) UpdateSourceMap(cm *types.ConnectorMessage) error {
	return t.record("UpdateSourceMap", cm.MessageID, cm.MetaDataID)
}

func (t *storeTx) UpdateResponseMap(cm *types.ConnectorMessage) error {
	return t.record("UpdateResponseMap", cm.MessageID, cm.MetaDataID)
}

func (t *storeTx) UpdateSendAttempts(cm *types.ConnectorMessage) error {
	return t.record("UpdateSendAttempts", cm.MessageID, cm.MetaDataID, cm.SendAttempts)
}

func (t *storeTx) InsertCustomMetaData(cm *types.ConnectorMessage, columns []types.MetaDataColumn) error {
	return t.record("InsertCustomMetaData", cm.MessageID, cm.MetaDataID, len(columns))
}

func (t *storeTx) IncrementStatistic(channelID string, metaDataID int, status types.Status) error {
	return t.record("IncrementStatistic", metaDataID, string(status))
}

func (t *storeTx) DecrementStatistic(channelID string, metaDataID int, status types.Status) error {
	return t.record("DecrementStatistic", metaDataID, string(status))
}

func (t *storeTx) MarkAsProcessed(channelID string, messageID int64) error {
	return t.record("MarkAsProcessed", messageID)
}

func (t *storeTx) DeleteContent(channelID string, messageID int64) error {
	return t.record("DeleteContent", messageID)
}

func (t *storeTx) DeleteAttachments(channelID string, messageID int64) error {
	return t.record("DeleteAttachments", messageID)
}

func (t *storeTx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	t.store.commit(t.ops)
	return nil
}

func (t *storeTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.rollback()
	return nil
}
