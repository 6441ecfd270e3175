// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linalg multiplies dense and sparse matrices distributed over the tiles of a mesh.
//
// An Engine holds the configuration of the streams (block sizes, window sizes, wire dtypes) and runs the
// products on a local BSP host:
//
//	e := linalg.New(mesh.Default()).WithInnerBlockSize(32)
//	c, err := linalg.Multiply(ctx, e, a, b) // Dense × Dense → Cannon; Sparse × Vector → SpMV.
package linalg

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilestream/internal/workerspool"
	"github.com/gomlx/tilestream/pkg/core/mesh"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/gomlx/tilestream/pkg/stream/dense"
	"github.com/gomlx/tilestream/pkg/stream/sparse"
	"github.com/pkg/errors"
)

// ErrUnsupportedOperation is returned by Multiply for operand combinations without an implementation.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// Streamable is implemented by the streams of the operands: they produce the per-tile buffers sent down to the
// tiles, and size the up channel of the results.
type Streamable interface {
	Channel() (*stream.Channel, error)
	UpChannel() (*stream.Channel, error)
}

// Gatherable is implemented by streams whose results come back in tile-local coordinates: it returns, for each
// cell a tile visited, the local→global row map used to gather the results.
type Gatherable interface {
	RowMaps(tile int) [][]int
}

var (
	_ Streamable = (*dense.BlockStream[float32])(nil)
	_ Streamable = (*sparse.WindowedStream[float32])(nil)
	_ Gatherable = (*sparse.WindowedStream[float32])(nil)
)

// Operand is a matrix or vector that can be multiplied by an Engine.
type Operand[T stream.Float] interface {
	// Shape returns the number of rows and columns. Vectors are columns: (len, 1).
	Shape() (rows, cols int)
	String() string
}

// Engine configures and runs distributed products. Create it with New and configure it with the With*
// methods. It can be used for any number of products, but the configuration must not be changed while a
// product is running.
type Engine struct {
	mesh *mesh.Mesh
	pool *workerspool.Pool

	innerBlockSize        int
	stripSize, windowSize int
	indexDType            dtypes.DType
	valueDType            dtypes.DType
	progressFn            func(tile int)
}

// New returns an Engine for the tiles of m, with the default configuration.
func New(m *mesh.Mesh) *Engine {
	return &Engine{
		mesh:           m,
		pool:           workerspool.New(),
		innerBlockSize: dense.DefaultInnerBlockSize,
		stripSize:      sparse.DefaultWindowDimension,
		windowSize:     sparse.DefaultWindowDimension,
		indexDType:     stream.TileIndexDType,
	}
}

// Mesh returns the mesh the engine runs on.
func (e *Engine) Mesh() *mesh.Mesh { return e.mesh }

// WithInnerBlockSize sets the side of the blocks each tile multiplies in dense products.
// The matrix size must be a multiple of the mesh side times the inner block size.
func (e *Engine) WithInnerBlockSize(size int) *Engine {
	e.innerBlockSize = size
	return e
}

// InnerBlockSize returns the side of the blocks each tile multiplies in dense products.
func (e *Engine) InnerBlockSize() int { return e.innerBlockSize }

// WithStripSize sets the number of columns per strip of sparse streams.
func (e *Engine) WithStripSize(size int) *Engine {
	e.stripSize = size
	return e
}

// WithWindowSize sets the number of rows per window of sparse streams.
func (e *Engine) WithWindowSize(size int) *Engine {
	e.windowSize = size
	return e
}

// WithIndexDType sets the dtype of the integer fields of sparse streams.
func (e *Engine) WithIndexDType(indexDType dtypes.DType) *Engine {
	e.indexDType = indexDType
	return e
}

// WithValueDType sets the dtype of the values of sparse streams.
// The default (dtypes.InvalidDType) uses the element type of the operands.
func (e *Engine) WithValueDType(valueDType dtypes.DType) *Engine {
	e.valueDType = valueDType
	return e
}

// WithPool sets the pool used to build streams in parallel. A nil pool builds them sequentially.
func (e *Engine) WithPool(pool *workerspool.Pool) *Engine {
	e.pool = pool
	return e
}

// WithProgress sets a function called as each tile stream of a sparse product is prepared.
func (e *Engine) WithProgress(progressFn func(tile int)) *Engine {
	e.progressFn = progressFn
	return e
}

// newSparseStream returns a sparse stream configured by the engine.
func newSparseStream[T stream.Float](e *Engine) *sparse.WindowedStream[T] {
	s := sparse.New[T](e.mesh).
		WithStripSize(e.stripSize).
		WithWindowSize(e.windowSize).
		WithIndexDType(e.indexDType).
		WithPool(e.pool).
		WithProgress(e.progressFn)
	if e.valueDType != dtypes.InvalidDType {
		s.WithValueDType(e.valueDType)
	}
	return s
}
