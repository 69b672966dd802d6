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
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/utils/maps"
	"github.com/medrelay/medrelay/utils/str"
)

var (
	ErrSSHConfigEmpty  = errors.New("ssh destination config can not be empty")
	ErrSSHNotConnected = errors.New("ssh destination is not connected")
	ErrSSHCmdEmpty     = errors.New("ssh destination cmd can not be empty")
)

// SSHDestinationConfig SSH 目标配置
type SSHDestinationConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Cmd is the shell command; ${content} expands to the outbound payload
	// and ${key} to channel map entries.
	Cmd string
	// QueueEnabled defers failed commands to the retry queue.
	QueueEnabled bool
	// QueueCapacity bounds the retry queue, default from engine config.
	QueueCapacity int
}

var _ types.DestinationConnector = (*SSHDestination)(nil)

// SSHDestination executes a remote shell command per message. The combined
// command output becomes the destination response.
type SSHDestination struct {
	BaseConnector
	Config SSHDestinationConfig
	client *ssh.Client
	// 保护 client 字段的并发访问
	clientMutex sync.RWMutex
	queue       types.Queue

	responseLock sync.Mutex
	responses    map[int64]string
}

func (s *SSHDestination) Init(config types.Config, configuration types.Configuration) error {
	if err := s.InitBase(config, configuration); err != nil {
		return err
	}
	if err := maps.Map2Struct(configuration, &s.Config); err != nil {
		return err
	}
	if s.Config.Host == "" || s.Config.Port == 0 || s.Config.Username == "" {
		return ErrSSHConfigEmpty
	}
	if s.Config.Cmd == "" {
		return ErrSSHCmdEmpty
	}
	if s.Config.QueueEnabled {
		capacity := s.Config.QueueCapacity
		if capacity <= 0 {
			capacity = config.QueueBufferSize
		}
		s.queue = NewMemoryQueue(capacity)
	}
	s.responses = make(map[int64]string)
	return nil
}

func (s *SSHDestination) Start() error {
	config := &ssh.ClientConfig{
		User: s.Config.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(s.Config.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port), config)
	if err != nil {
		return err
	}
	s.clientMutex.Lock()
	s.client = client
	s.clientMutex.Unlock()
	return nil
}

func (s *SSHDestination) Stop() error {
	if s.queue != nil {
		s.queue.Close()
	}
	s.clientMutex.Lock()
	defer s.clientMutex.Unlock()
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

// Send runs the command with the payload substituted in; the combined output
// is kept as the response for this connector message.
func (s *SSHDestination) Send(ctx context.Context, msg *types.ConnectorMessage) error {
	s.clientMutex.RLock()
	client := s.client
	s.clientMutex.RUnlock()
	if client == nil {
		return ErrSSHNotConnected
	}

	dict := toStringMap(msg.ChannelMap)
	dict["content"] = msg.EncodedOrTransformed()
	cmd := str.SprintfDict(s.Config.Cmd, dict)

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()
	output, err := session.CombinedOutput(cmd)
	if err != nil {
		return err
	}
	s.responseLock.Lock()
	s.responses[msg.MessageID] = string(output)
	s.responseLock.Unlock()
	return nil
}

// GetResponse returns the command output of the last Send for this message.
func (s *SSHDestination) GetResponse(_ context.Context, msg *types.ConnectorMessage) (string, bool) {
	s.responseLock.Lock()
	defer s.responseLock.Unlock()
	response, ok := s.responses[msg.MessageID]
	delete(s.responses, msg.MessageID)
	return response, ok
}

func (s *SSHDestination) IsQueueEnabled() bool {
	return s.queue != nil
}

func (s *SSHDestination) Queue() types.Queue {
	return s.queue
}
