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
	"github.com/medrelay/medrelay/api/types"
)

// txOp is one persistence operation applied inside a transactional batch.
type txOp func(tx types.StoreTx) error

// storageAvailable reports whether this channel persists at all. The
// tables-exist check runs once and is cached for the channel's lifetime;
// channels without provisioned tables skip every persistence call silently.
func (c *Channel) storageAvailable() bool {
	if c.store == nil {
		return false
	}
	c.storageCheck.Do(func() {
		c.storageOK = c.store.TablesExist(c.id)
		if !c.storageOK {
			c.logger.Printf("channel %s: storage tables not provisioned, persistence disabled", c.id)
		}
	})
	return c.storageOK
}

// persistToDb applies a single best-effort operation. Storage errors are
// logged and swallowed: the pipeline's correctness is defined by in-memory
// state and a storage hiccup must never fail message flow.
func (c *Channel) persistToDb(op txOp) {
	c.persistInTransaction(op)
}

// persistInTransaction runs the operations inside one transaction: either
// the whole batch commits or its failure is logged and the pipeline carries
// on with stale persisted state. The transaction is opened and released
// inside this call, never held across script execution or sends.
func (c *Channel) persistInTransaction(ops ...txOp) {
	if len(ops) == 0 || !c.storageAvailable() {
		return
	}
	tx, err := c.store.Begin(c.id)
	if err != nil {
		c.logger.Printf("channel %s: begin transaction: %v", c.id, err)
		return
	}
	for _, op := range ops {
		if err = op(tx); err != nil {
			c.logger.Printf("channel %s: persistence batch: %v", c.id, err)
			if rbErr := tx.Rollback(); rbErr != nil {
				c.logger.Printf("channel %s: rollback: %v", c.id, rbErr)
			}
			return
		}
	}
	if err = tx.Commit(); err != nil {
		c.logger.Printf("channel %s: commit: %v", c.id, err)
	}
}
