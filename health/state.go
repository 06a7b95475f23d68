// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package health

import "fmt"

// State is the health of a pooled connection, as last reported by its
// Checker.
type State int

const (
	// StateUnknown is the state of a connection whose first check has not
	// completed yet.
	StateUnknown = State(iota)
	StateHealthy
	StateUnhealthy
)

// Usable reports whether a connection in this state may be checked out.
// Connections are assumed good until a check says otherwise.
func (s State) Usable() bool {
	return s != StateUnhealthy
}

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}
