// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stream

import "fmt"

// Direction of a stream channel.
type Direction int

const (
	// Down streams carry data from the host to the tiles.
	Down Direction = iota

	// Up streams carry data from the tiles back to the host.
	Up
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Down:
		return "Down"
	case Up:
		return "Up"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}
