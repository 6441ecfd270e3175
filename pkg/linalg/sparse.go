// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"fmt"

	"github.com/gomlx/tilestream/pkg/linalg/partition"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/gomlx/tilestream/pkg/stream/sparse"
)

// SparseMatrix is a rows×cols sparse matrix given by its non-zero triplets, and optionally their distribution
// over the tiles (its images). Without images, triplets are distributed cyclically.
type SparseMatrix[T stream.Float] struct {
	rows, cols int
	triplets   []sparse.Triplet[T]
	images     [][]sparse.Triplet[T]
}

// NewSparse returns a rows×cols sparse matrix with the given non-zeros.
func NewSparse[T stream.Float](rows, cols int, triplets []sparse.Triplet[T]) (*SparseMatrix[T], error) {
	if rows <= 0 || cols <= 0 {
		return nil, stream.Preconditionf("invalid sparse matrix shape %d×%d", rows, cols)
	}
	for ii, triplet := range triplets {
		if triplet.Row < 0 || triplet.Row >= rows || triplet.Col < 0 || triplet.Col >= cols {
			return nil, stream.Preconditionf("triplet #%d at (%d, %d) out of range for a %d×%d matrix",
				ii, triplet.Row, triplet.Col, rows, cols)
		}
	}
	return &SparseMatrix[T]{rows: rows, cols: cols, triplets: triplets}, nil
}

// Shape implements Operand.
func (a *SparseMatrix[T]) Shape() (rows, cols int) { return a.rows, a.cols }

// NNZ returns the number of non-zeros.
func (a *SparseMatrix[T]) NNZ() int { return len(a.triplets) }

// Triplets returns the non-zeros of the matrix.
func (a *SparseMatrix[T]) Triplets() []sparse.Triplet[T] { return a.triplets }

// SetImages sets the distribution of the non-zeros over the tiles: images[tile] are the triplets owned by tile.
// Together the images must hold exactly the non-zeros of the matrix, which is the caller's responsibility.
func (a *SparseMatrix[T]) SetImages(images [][]sparse.Triplet[T]) {
	a.images = images
}

// Images returns the distribution of the non-zeros over numTiles tiles, the cyclic one if none was set.
func (a *SparseMatrix[T]) Images(numTiles int) [][]sparse.Triplet[T] {
	if len(a.images) == numTiles {
		return a.images
	}
	return partition.Cyclic(a.triplets, numTiles)
}

// String implements fmt.Stringer.
func (a *SparseMatrix[T]) String() string {
	return fmt.Sprintf("SparseMatrix[%s](%d×%d, %d non-zeros)", stream.DTypeOf[T](), a.rows, a.cols, len(a.triplets))
}

// Vector is a dense vector whose entries are each owned by one tile.
type Vector[T stream.Float] struct {
	values []T
	owners []int
}

// NewVector returns a vector with the given values, which are not copied, and no owners assigned.
func NewVector[T stream.Float](values []T) *Vector[T] {
	return &Vector[T]{values: values}
}

// Shape implements Operand: vectors are columns.
func (v *Vector[T]) Shape() (rows, cols int) { return len(v.values), 1 }

// Len returns the number of entries.
func (v *Vector[T]) Len() int { return len(v.values) }

// At returns entry i.
func (v *Vector[T]) At(i int) T { return v.values[i] }

// Values returns the entries of the vector.
func (v *Vector[T]) Values() []T { return v.values }

// Owners returns the tile owning each entry, or nil if none was assigned.
func (v *Vector[T]) Owners() []int { return v.owners }

// Reassign sets the tile owning each entry. Owners must be tiles of the mesh the vector is used with.
func (v *Vector[T]) Reassign(owners []int) error {
	if len(owners) != len(v.values) {
		return stream.Preconditionf("vector has %d entries, got %d owners", len(v.values), len(owners))
	}
	for ii, owner := range owners {
		if owner < 0 {
			return stream.Preconditionf("invalid owner %d for entry %d", owner, ii)
		}
	}
	v.owners = owners
	return nil
}

// String implements fmt.Stringer.
func (v *Vector[T]) String() string {
	if len(v.values) <= MaxStringSize {
		return fmt.Sprintf("Vector[%s](%d)%v", stream.DTypeOf[T](), len(v.values), v.values)
	}
	return fmt.Sprintf("Vector[%s](%d)%v…", stream.DTypeOf[T](), len(v.values), v.values[:MaxStringSize])
}
