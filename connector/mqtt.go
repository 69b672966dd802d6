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

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/utils/maps"
	"github.com/medrelay/medrelay/utils/str"
)

// MQTTDestinationConfig MQTT 目标配置
type MQTTDestinationConfig struct {
	// Server is the broker address, e.g. "tcp://127.0.0.1:1883".
	Server   string
	Topic    string
	Username string
	Password string
	// QOS for published messages.
	QOS uint8
	// ClientID defaults to a random id.
	ClientID string
	// ConnectTimeout in seconds, default 10.
	ConnectTimeout int
	// QueueEnabled defers failed publishes to the retry queue.
	QueueEnabled bool
	// QueueCapacity bounds the retry queue, default from engine config.
	QueueCapacity int
}

var _ types.DestinationConnector = (*MQTTDestination)(nil)

// MQTTDestination publishes the outbound payload to an MQTT topic. The topic
// may contain ${var} placeholders resolved from the channel map.
type MQTTDestination struct {
	BaseConnector
	Config MQTTDestinationConfig
	client paho.Client
	queue  types.Queue
}

func (m *MQTTDestination) Init(config types.Config, configuration types.Configuration) error {
	if err := m.InitBase(config, configuration); err != nil {
		return err
	}
	if err := maps.Map2Struct(configuration, &m.Config); err != nil {
		return err
	}
	if m.Config.Server == "" || m.Config.Topic == "" {
		return errors.New("mqtt destination requires server and topic")
	}
	if m.Config.ConnectTimeout <= 0 {
		m.Config.ConnectTimeout = 10
	}
	if m.Config.QueueEnabled {
		capacity := m.Config.QueueCapacity
		if capacity <= 0 {
			capacity = config.QueueBufferSize
		}
		m.queue = NewMemoryQueue(capacity)
	}
	return nil
}

func (m *MQTTDestination) Start() error {
	opts := paho.NewClientOptions()
	opts.AddBroker(m.Config.Server)
	opts.SetUsername(m.Config.Username)
	opts.SetPassword(m.Config.Password)
	if m.Config.ClientID == "" {
		opts.SetClientID("medrelay/" + str.RandomStr(8))
	} else {
		opts.SetClientID(m.Config.ClientID)
	}
	opts.SetAutoReconnect(true)
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(time.Duration(m.Config.ConnectTimeout) * time.Second) {
		return errors.New("mqtt destination connect timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}
	m.client = client
	return nil
}

func (m *MQTTDestination) Stop() error {
	if m.queue != nil {
		m.queue.Close()
	}
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
	return nil
}

// Send publishes the encoded-or-transformed payload.
func (m *MQTTDestination) Send(ctx context.Context, msg *types.ConnectorMessage) error {
	if m.client == nil || !m.client.IsConnected() {
		return errors.New("mqtt destination is not connected")
	}
	topic := str.SprintfDict(m.Config.Topic, toStringMap(msg.ChannelMap))
	token := m.client.Publish(topic, m.Config.QOS, false, msg.EncodedOrTransformed())
	deadline := time.Duration(m.Config.ConnectTimeout) * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	if !token.WaitTimeout(deadline) {
		return errors.New("mqtt destination publish timeout")
	}
	return token.Error()
}

// GetResponse reports no response; MQTT publishing is fire and forget.
func (m *MQTTDestination) GetResponse(context.Context, *types.ConnectorMessage) (string, bool) {
	return "", false
}

func (m *MQTTDestination) IsQueueEnabled() bool {
	return m.queue != nil
}

func (m *MQTTDestination) Queue() types.Queue {
	return m.queue
}

func toStringMap(vm *types.VarMap) map[string]string {
	out := make(map[string]string, vm.Len())
	for _, k := range vm.Keys() {
		if v, ok := vm.Get(k); ok {
			out[k] = str.ToString(v)
		}
	}
	return out
}
