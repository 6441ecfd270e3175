// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stream

// Arena holds one independently owned buffer per tile.
//
// Buffers allocated by NewArena share a single backing allocation, but each tile's slice has its capacity
// clipped to its length, so appending to one tile's buffer can never overwrite a neighbour's data.
type Arena[T any] struct {
	tiles [][]T
}

// NewArena allocates an arena with one buffer per entry in sizes.
func NewArena[T any](sizes []int) *Arena[T] {
	var total int
	for _, size := range sizes {
		total += size
	}
	backing := make([]T, total)
	a := &Arena[T]{tiles: make([][]T, len(sizes))}
	var offset int
	for tile, size := range sizes {
		a.tiles[tile] = backing[offset : offset+size : offset+size]
		offset += size
	}
	return a
}

// NewUniformArena allocates an arena of numTiles buffers of the same size.
func NewUniformArena[T any](numTiles, size int) *Arena[T] {
	sizes := make([]int, numTiles)
	for tile := range sizes {
		sizes[tile] = size
	}
	return NewArena[T](sizes)
}

// WrapArena creates an arena that references the given per-tile buffers, without copying them.
//
// It is used for memory owned by someone else, e.g. up-stream buffers allocated by the transport.
func WrapArena[T any](tiles [][]T) *Arena[T] {
	a := &Arena[T]{tiles: make([][]T, len(tiles))}
	for tile, data := range tiles {
		a.tiles[tile] = data[:len(data):len(data)]
	}
	return a
}

// NumTiles returns the number of buffers in the arena.
func (a *Arena[T]) NumTiles() int {
	return len(a.tiles)
}

// Tile returns the buffer of the given tile.
func (a *Arena[T]) Tile(tile int) []T {
	return a.tiles[tile]
}

// TileSize returns the number of elements in the buffer of the given tile.
func (a *Arena[T]) TileSize(tile int) int {
	return len(a.tiles[tile])
}

// Size returns the total number of elements across all tiles.
func (a *Arena[T]) Size() int {
	var total int
	for _, data := range a.tiles {
		total += len(data)
	}
	return total
}

// Clone returns a deep copy of the arena.
func (a *Arena[T]) Clone() *Arena[T] {
	sizes := make([]int, len(a.tiles))
	for tile, data := range a.tiles {
		sizes[tile] = len(data)
	}
	c := NewArena[T](sizes)
	for tile, data := range a.tiles {
		copy(c.tiles[tile], data)
	}
	return c
}
