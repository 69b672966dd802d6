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
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/utils/maps"
)

// MLLP framing bytes
const (
	mllpStartBlock = 0x0B
	mllpEndBlock   = 0x1C
	mllpCarriage   = 0x0D
)

// MLLPListenerConfig MLLP 监听器配置
type MLLPListenerConfig struct {
	// Addr is the listen address, e.g. ":6661".
	Addr string
	// ReadTimeout in seconds closes idle connections, 0 disables.
	ReadTimeout int
}

var _ types.SourceConnector = (*MLLPListener)(nil)

// MLLPListener is a source connector speaking the MLLP framing protocol used
// by HL7 interfaces: each message arrives as 0x0B payload 0x1C 0x0D. The
// listener dispatches the payload and answers with the channel's mirrored
// response, or a generated HL7 ACK when no response content was produced.
type MLLPListener struct {
	BaseConnector
	Config     MLLPListenerConfig
	dispatcher types.Dispatcher
	listener   net.Listener
	lock       sync.Mutex
	wg         sync.WaitGroup
}

func (m *MLLPListener) Init(config types.Config, configuration types.Configuration) error {
	if err := m.InitBase(config, configuration); err != nil {
		return err
	}
	return maps.Map2Struct(configuration, &m.Config)
}

func (m *MLLPListener) BindDispatcher(dispatcher types.Dispatcher) {
	m.dispatcher = dispatcher
}

func (m *MLLPListener) Start() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.listener != nil {
		return errors.New("mllp listener already started")
	}
	listener, err := net.Listen("tcp", m.Config.Addr)
	if err != nil {
		return err
	}
	m.listener = listener
	m.Logger.Printf("mllp listener %s listening on %s", m.Name(), m.Config.Addr)
	m.wg.Add(1)
	go m.acceptLoop(listener)
	return nil
}

func (m *MLLPListener) Stop() error {
	m.lock.Lock()
	listener := m.listener
	m.listener = nil
	m.lock.Unlock()
	if listener == nil {
		return nil
	}
	err := listener.Close()
	m.wg.Wait()
	return err
}

func (m *MLLPListener) acceptLoop(listener net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.Logger.Printf("mllp listener %s accept: %v", m.Name(), err)
			continue
		}
		m.wg.Add(1)
		go m.handleConn(conn)
	}
}

func (m *MLLPListener) handleConn(conn net.Conn) {
	defer m.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if e := recover(); e != nil {
			m.Logger.Printf("mllp listener %s connection handler: %v", m.Name(), e)
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 10*1024*1024)
	scanner.Split(MLLPSplitFunc)
	for {
		if m.Config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(time.Duration(m.Config.ReadTimeout) * time.Second))
		}
		if !scanner.Scan() {
			return
		}
		payload := scanner.Bytes()
		if len(payload) == 0 {
			continue
		}
		response := m.dispatch(payload, conn.RemoteAddr().String())
		if err := writeMLLP(conn, []byte(response)); err != nil {
			m.Logger.Printf("mllp listener %s write ack: %v", m.Name(), err)
			return
		}
	}
}

func (m *MLLPListener) dispatch(payload []byte, remoteAddr string) string {
	sourceMap := map[string]interface{}{"remoteAddress": remoteAddr}
	message, err := m.dispatcher.DispatchRawMessage(context.Background(), payload, sourceMap)
	if err != nil {
		return hl7Ack(string(payload), "AR")
	}
	if source := message.Source(); source != nil {
		if response := source.ContentString(types.ContentTypeResponse); response != "" {
			return response
		}
		if source.Status == types.StatusError {
			return hl7Ack(string(payload), "AE")
		}
	}
	return hl7Ack(string(payload), "AA")
}

// MLLPSplitFunc is a bufio.SplitFunc yielding one MLLP-framed payload per
// token, with the framing bytes stripped.
func MLLPSplitFunc(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.IndexByte(data, mllpStartBlock)
	if start < 0 {
		// discard noise between frames
		if atEOF {
			return len(data), nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.IndexByte(data[start:], mllpEndBlock)
	if end < 0 {
		if atEOF {
			return 0, nil, errors.New("unterminated mllp frame")
		}
		return start, nil, nil
	}
	end += start
	advance = end + 1
	if advance < len(data) && data[advance] == mllpCarriage {
		advance++
	}
	return advance, data[start+1 : end], nil
}

func writeMLLP(conn net.Conn, payload []byte) error {
	framed := make([]byte, 0, len(payload)+3)
	framed = append(framed, mllpStartBlock)
	framed = append(framed, payload...)
	framed = append(framed, mllpEndBlock, mllpCarriage)
	_, err := conn.Write(framed)
	return err
}

// hl7Ack builds a minimal HL7 acknowledgement for the inbound message with
// the given ack code (AA accept, AE error, AR reject). The message control id
// is mirrored from MSH-10 when present.
func hl7Ack(raw, ackCode string) string {
	controlID := hl7Field(raw, 9)
	now := time.Now().Format("20060102150405")
	return "MSH|^~\\&|||||" + now + "||ACK|" + controlID + "|P|2.3\rMSA|" + ackCode + "|" + controlID
}

// hl7Field returns the n-th pipe-delimited token of the first segment; for
// an MSH segment token 9 is the message control id (MSH-10).
func hl7Field(raw string, n int) string {
	segment := raw
	if i := strings.IndexAny(raw, "\r\n"); i >= 0 {
		segment = raw[:i]
	}
	fields := strings.Split(segment, "|")
	if n < len(fields) {
		return fields[n]
	}
	return ""
}
