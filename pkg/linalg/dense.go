// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"fmt"
	"strings"

	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/gomlx/tilestream/pkg/stream/dense"
)

// MaxStringSize is the largest matrix side printed in full by String. Larger matrices print only a corner.
var MaxStringSize = 16

// DenseMatrix is a square dense matrix stored in row-major order on the host.
//
// Its block stream is built lazily by UpdateStream, and rebuilt whenever the matrix changed since.
type DenseMatrix[T stream.Float] struct {
	n    int
	data []T

	stream *dense.BlockStream[T]
	stale  bool
}

// NewDense returns a zero n×n matrix.
func NewDense[T stream.Float](n int) *DenseMatrix[T] {
	return &DenseMatrix[T]{n: n, data: make([]T, n*n), stale: true}
}

// NewDenseFromData returns an n×n matrix backed by the given row-major data, which is not copied.
func NewDenseFromData[T stream.Float](n int, rowMajor []T) (*DenseMatrix[T], error) {
	if n <= 0 || len(rowMajor) != n*n {
		return nil, stream.Preconditionf("a %d×%d matrix needs %d elements, got %d", n, n, n*n, len(rowMajor))
	}
	return &DenseMatrix[T]{n: n, data: rowMajor, stale: true}, nil
}

// NewDenseFunc returns an n×n matrix with element (i, j) set to fn(i, j).
func NewDenseFunc[T stream.Float](n int, fn func(i, j int) T) *DenseMatrix[T] {
	m := NewDense[T](n)
	for i := range n {
		row := m.data[i*n : (i+1)*n]
		for j := range row {
			row[j] = fn(i, j)
		}
	}
	return m
}

// NewDenseFromUpStream reassembles an n×n matrix from the per-tile results of a dense product, laid out
// LeftHanded with the engine's block geometry.
func NewDenseFromUpStream[T stream.Float](e *Engine, n int, up *stream.Arena[byte]) (*DenseMatrix[T], error) {
	s, err := dense.NewForMatrix[T](e.mesh, n, e.innerBlockSize)
	if err != nil {
		return nil, err
	}
	s.WithPool(e.pool)
	values, err := stream.DecodeArena[T](up)
	if err != nil {
		return nil, err
	}
	if err := s.FromUpStream(values); err != nil {
		return nil, err
	}
	data, err := s.ToRowMajor()
	if err != nil {
		return nil, err
	}
	return &DenseMatrix[T]{n: n, data: data, stream: s}, nil
}

// Size returns the number of rows (and columns).
func (m *DenseMatrix[T]) Size() int { return m.n }

// Shape implements Operand.
func (m *DenseMatrix[T]) Shape() (rows, cols int) { return m.n, m.n }

// At returns element (i, j).
func (m *DenseMatrix[T]) At(i, j int) T { return m.data[i*m.n+j] }

// Set sets element (i, j). The stream is rebuilt on the next product.
func (m *DenseMatrix[T]) Set(i, j int, value T) {
	m.data[i*m.n+j] = value
	m.stale = true
}

// Data returns the row-major elements. Call Invalidate after changing them.
func (m *DenseMatrix[T]) Data() []T { return m.data }

// Invalidate marks the stream as out of date, after the data was changed directly.
func (m *DenseMatrix[T]) Invalidate() { m.stale = true }

// IsStale returns whether the stream must be rebuilt before it can be used.
func (m *DenseMatrix[T]) IsStale() bool { return m.stale }

// UpdateStream (re)builds the block stream of the matrix for the engine's geometry, if it is stale.
// The stream is left in the LeftHanded orientation.
func (m *DenseMatrix[T]) UpdateStream(e *Engine) (*dense.BlockStream[T], error) {
	if m.stream != nil && !m.stale && m.stream.InnerBlockSize() == e.innerBlockSize && m.stream.Mesh() == e.mesh {
		if err := m.stream.SetOrientation(dense.LeftHanded); err != nil {
			return nil, err
		}
		return m.stream, nil
	}
	s, err := dense.NewForMatrix[T](e.mesh, m.n, e.innerBlockSize)
	if err != nil {
		return nil, err
	}
	s.WithPool(e.pool)
	if err := s.FeedElements(m.data); err != nil {
		return nil, err
	}
	m.stream = s
	m.stale = false
	return s, nil
}

// String implements fmt.Stringer. Matrices larger than MaxStringSize only print their top-left corner.
func (m *DenseMatrix[T]) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "DenseMatrix[%s](%d×%d)", stream.DTypeOf[T](), m.n, m.n)
	shown := min(m.n, MaxStringSize)
	for i := range shown {
		sb.WriteString("\n  [")
		for j := range shown {
			if j > 0 {
				sb.WriteString(", ")
			}
			_, _ = fmt.Fprintf(&sb, "%g", m.data[i*m.n+j])
		}
		if shown < m.n {
			sb.WriteString(", …")
		}
		sb.WriteString("]")
	}
	if shown < m.n {
		sb.WriteString("\n  …")
	}
	return sb.String()
}
