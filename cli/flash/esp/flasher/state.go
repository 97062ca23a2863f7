//
// Copyright (c) 2025 The espflash Authors
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package flasher

import "fmt"

// StateType is the phase of a flash attempt. Transitions are strictly
// sequential except StateError, which is terminal from any phase.
type StateType int

const (
	StateIdle StateType = iota
	StateConnecting
	StateSyncing
	StateChangingBaudRate
	StateErasing
	StateFlashing
	StateVerifying
	StateRestarting
	StateComplete
	StateError
)

func (t StateType) String() string {
	switch t {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateSyncing:
		return "Syncing"
	case StateChangingBaudRate:
		return "ChangingBaudRate"
	case StateErasing:
		return "Erasing"
	case StateFlashing:
		return "Flashing"
	case StateVerifying:
		return "Verifying"
	case StateRestarting:
		return "Restarting"
	case StateComplete:
		return "Complete"
	case StateError:
		return "Error"
	}
	return fmt.Sprintf("StateType(%d)", int(t))
}

// ErrorKind classifies terminal failures.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindConnectionFailed
	KindSyncFailed
	KindConnectionTimeout
	KindFlashBeginFailed
	KindFlashDataFailed
	KindFlashEndFailed
	KindInvalidFirmware
	KindPortDisconnected
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindSyncFailed:
		return "SyncFailed"
	case KindConnectionTimeout:
		return "ConnectionTimeout"
	case KindFlashBeginFailed:
		return "FlashBeginFailed"
	case KindFlashDataFailed:
		return "FlashDataFailed"
	case KindFlashEndFailed:
		return "FlashEndFailed"
	case KindInvalidFirmware:
		return "InvalidFirmware"
	case KindPortDisconnected:
		return "PortDisconnected"
	case KindCancelled:
		return "Cancelled"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// State is one observed point in the lifecycle of a flash attempt.
// Progress is meaningful only for StateFlashing; the Error fields only
// for StateError. ErrorData carries the kind-specific number: sync
// attempts for SyncFailed, block number for FlashDataFailed, device
// status for FlashBeginFailed.
type State struct {
	Type        StateType
	Progress    float64
	ErrorKind   ErrorKind
	ErrorDetail string
	ErrorData   int
}

// Message renders the state for display to the user.
func (s State) Message() string {
	switch s.Type {
	case StateIdle:
		return "Ready"
	case StateConnecting:
		return "Connecting to device..."
	case StateSyncing:
		return "Synchronizing with bootloader..."
	case StateChangingBaudRate:
		return "Changing baud rate..."
	case StateErasing:
		return "Erasing flash..."
	case StateFlashing:
		return fmt.Sprintf("Flashing... %d%%", int(s.Progress*100))
	case StateVerifying:
		return "Verifying..."
	case StateRestarting:
		return "Restarting device..."
	case StateComplete:
		return "Flashing complete"
	case StateError:
		return s.errorMessage()
	}
	return s.Type.String()
}

func (s State) errorMessage() string {
	switch s.ErrorKind {
	case KindSyncFailed:
		return fmt.Sprintf("Failed to sync with bootloader after %d attempts", s.ErrorData)
	case KindConnectionTimeout:
		return fmt.Sprintf("Device did not respond: %s", s.ErrorDetail)
	case KindFlashBeginFailed:
		return fmt.Sprintf("Device rejected erase request: %s", s.ErrorDetail)
	case KindFlashDataFailed:
		return fmt.Sprintf("Write of block %d failed: %s", s.ErrorData, s.ErrorDetail)
	case KindFlashEndFailed:
		return fmt.Sprintf("Failed to finalize flashing: %s", s.ErrorDetail)
	case KindInvalidFirmware:
		return fmt.Sprintf("Invalid firmware: %s", s.ErrorDetail)
	case KindPortDisconnected:
		return fmt.Sprintf("Device disconnected: %s", s.ErrorDetail)
	case KindCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Connection failed: %s", s.ErrorDetail)
	}
}

// fatalError is an error that already knows its terminal State.
type fatalError struct {
	Kind   ErrorKind
	Detail string
	Data   int
}

func (e *fatalError) Error() string {
	return State{Type: StateError, ErrorKind: e.Kind, ErrorDetail: e.Detail, ErrorData: e.Data}.Message()
}
