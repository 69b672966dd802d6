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

// DeployedState 通道部署状态
// DeployedState is the lifecycle state of a deployed channel. STOPPED is the
// initial and terminal state. DEPLOYING/UNDEPLOYING/SYNCING/UNKNOWN are
// informational states for dashboard reporting and are not used as edges in
// the channel state machine.
type DeployedState string

const (
	StateDeploying   = DeployedState("DEPLOYING")
	StateUndeploying = DeployedState("UNDEPLOYING")
	StateStarting    = DeployedState("STARTING")
	StateStarted     = DeployedState("STARTED")
	StatePausing     = DeployedState("PAUSING")
	StatePaused      = DeployedState("PAUSED")
	StateStopping    = DeployedState("STOPPING")
	StateStopped     = DeployedState("STOPPED")
	StateSyncing     = DeployedState("SYNCING")
	StateUnknown     = DeployedState("UNKNOWN")
)

// StateChange 状态变更通知
// StateChange is emitted on every channel state transition. Listeners must
// never block the emitter.
type StateChange struct {
	ChannelID     string        `json:"channelId"`
	ChannelName   string        `json:"channelName"`
	State         DeployedState `json:"state"`
	PreviousState DeployedState `json:"previousState"`
}

// OnStateChangeFunc is a channel state transition listener.
type OnStateChangeFunc func(change StateChange)
