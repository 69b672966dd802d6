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

package connector

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/utils/maps"
)

// PollFunc produces the next raw payload. ok=false means nothing to poll this
// round.
type PollFunc func(ctx context.Context) (raw []byte, ok bool, err error)

// PollerConfig 轮询源配置
type PollerConfig struct {
	// Cron is a cron expression with seconds, e.g. "0/30 * * * * *".
	Cron string
}

var _ types.SourceConnector = (*Poller)(nil)

// Poller is a source connector that pulls messages on a cron schedule. The
// poll function is supplied in code (file readers, database pollers and the
// like); each non-empty poll result is dispatched as one message.
type Poller struct {
	BaseConnector
	Config PollerConfig
	// Poll is required before Start.
	Poll       PollFunc
	dispatcher types.Dispatcher
	cron       *cron.Cron
	entryID    cron.EntryID
}

func (p *Poller) Init(config types.Config, configuration types.Configuration) error {
	if err := p.InitBase(config, configuration); err != nil {
		return err
	}
	return maps.Map2Struct(configuration, &p.Config)
}

func (p *Poller) BindDispatcher(dispatcher types.Dispatcher) {
	p.dispatcher = dispatcher
}

func (p *Poller) Start() error {
	if p.Poll == nil {
		return errors.New("poller has no poll function")
	}
	if p.Config.Cron == "" {
		return errors.New("poller has no cron expression")
	}
	p.cron = cron.New(cron.WithSeconds())
	entryID, err := p.cron.AddFunc(p.Config.Cron, p.pollOnce)
	if err != nil {
		p.cron = nil
		return err
	}
	p.entryID = entryID
	p.cron.Start()
	return nil
}

func (p *Poller) Stop() error {
	if p.cron != nil {
		p.cron.Stop()
		p.cron = nil
	}
	return nil
}

func (p *Poller) pollOnce() {
	defer func() {
		if e := recover(); e != nil {
			p.Logger.Printf("poller %s: %v", p.Name(), e)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	raw, ok, err := p.Poll(ctx)
	if err != nil {
		p.Logger.Printf("poller %s poll: %v", p.Name(), err)
		return
	}
	if !ok || len(raw) == 0 {
		return
	}
	sourceMap := map[string]interface{}{"pollId": time.Now().UnixNano()}
	if _, err = p.dispatcher.DispatchRawMessage(ctx, raw, sourceMap); err != nil {
		p.Logger.Printf("poller %s dispatch: %v", p.Name(), err)
	}
}
