// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mesh defines the square N×N topology of compute tiles that streams are laid out for.
//
// Tiles are numbered `0..N²-1` in row-major order: tile `s` sits at mesh coordinate `(s / N, s % N)`.
package mesh

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// DefaultSide is the side length N of the default mesh.
const DefaultSide = 4

// Axis of the mesh.
type Axis int

const (
	// Rows is the axis along which the first coordinate (the mesh row) varies.
	Rows Axis = iota

	// Cols is the axis along which the second coordinate (the mesh column) varies.
	Cols
)

// String implements fmt.Stringer.
func (a Axis) String() string {
	switch a {
	case Rows:
		return "rows"
	case Cols:
		return "cols"
	default:
		return fmt.Sprintf("Axis(%d)", int(a))
	}
}

// Mesh is an immutable square grid of tiles.
type Mesh struct {
	name     string
	side     int
	numTiles int
}

// DefaultName is the name given to meshes, unless changed with WithName.
const DefaultName = "mesh"

// New creates a side×side mesh.
func New(side int) (*Mesh, error) {
	if side <= 0 {
		return nil, errors.Errorf("mesh side must be positive, got %d", side)
	}
	return &Mesh{name: DefaultName, side: side, numTiles: side * side}, nil
}

// Default returns a new DefaultSide×DefaultSide mesh.
func Default() *Mesh {
	return &Mesh{name: DefaultName, side: DefaultSide, numTiles: DefaultSide * DefaultSide}
}

// WithName returns a copy of the mesh with the given name. Meshes are immutable.
func (m *Mesh) WithName(name string) *Mesh {
	c := *m
	c.name = name
	return &c
}

// Name returns the mesh name.
func (m *Mesh) Name() string {
	return m.name
}

// Side returns N, the number of tiles along each axis.
func (m *Mesh) Side() int {
	return m.side
}

// NumTiles returns N², the total number of tiles.
func (m *Mesh) NumTiles() int {
	return m.numTiles
}

// Validate returns an error if tile is not a tile id of the mesh.
func (m *Mesh) Validate(tile int) error {
	if tile < 0 || tile >= m.numTiles {
		return errors.Errorf("tile %d out of range for %s, tiles must be between 0 and %d", tile, m, m.numTiles-1)
	}
	return nil
}

// Coords returns the mesh coordinate (row, col) of tile.
func (m *Mesh) Coords(tile int) (row, col int) {
	return tile / m.side, tile % m.side
}

// TileAt returns the tile at mesh coordinate (row, col). Coordinates wrap around, so the mesh behaves as a torus.
func (m *Mesh) TileAt(row, col int) int {
	return mod(row, m.side)*m.side + mod(col, m.side)
}

// Shift returns the tile delta positions away from tile along the given axis, wrapping around the edges.
func (m *Mesh) Shift(tile int, axis Axis, delta int) int {
	row, col := m.Coords(tile)
	if axis == Rows {
		row += delta
	} else {
		col += delta
	}
	return m.TileAt(row, col)
}

// Groups returns the tiles that share every coordinate except the one along axis.
//
// Example for a 2×2 mesh:
//
//	m.Groups(mesh.Cols) // -> [][]int{{0, 1}, {2, 3}}: tiles in the same mesh row.
//	m.Groups(mesh.Rows) // -> [][]int{{0, 2}, {1, 3}}: tiles in the same mesh column.
func (m *Mesh) Groups(axis Axis) [][]int {
	groups := make([][]int, m.side)
	for g := range groups {
		groups[g] = make([]int, m.side)
		for pos := range m.side {
			if axis == Cols {
				groups[g][pos] = m.TileAt(g, pos)
			} else {
				groups[g][pos] = m.TileAt(pos, g)
			}
		}
	}
	return groups
}

// String implements the fmt.Stringer interface.
func (m *Mesh) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Mesh(%s: %d×%d)", m.name, m.side, m.side)
	return sb.String()
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}
