// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dense lays out a square dense matrix as one contiguous buffer per tile of a mesh.
//
// The matrix is split into M×M "outer blocks", and each outer block into N×N "inner blocks" of
// innerBlockSize×innerBlockSize elements, where N is the mesh side. The inner block at position (s, t) of every
// outer block belongs to tile s·N+t, which stores all of its M² inner blocks back-to-back, one chunk each.
//
// The order of the chunks in a tile buffer is the stream Orientation: in C = A·B the left operand A is
// streamed LeftHanded (A₁₁ A₁₂ … A₁M A₂₁ …) and the right operand B RightHanded (B₁₁ B₂₁ … BM1 B₁₂ …).
package dense

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilestream/internal/workerspool"
	"github.com/gomlx/tilestream/pkg/core/mesh"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultInnerBlockSize is the side of the inner blocks used unless configured otherwise.
const DefaultInnerBlockSize = 32

// Orientation is the order of the outer blocks within each tile buffer.
type Orientation int

const (
	// LeftHanded orders the outer blocks row-major: the outer block row varies slowest.
	LeftHanded Orientation = iota

	// RightHanded orders the outer blocks column-major: the outer block column varies slowest.
	RightHanded
)

// String implements fmt.Stringer.
func (o Orientation) String() string {
	switch o {
	case LeftHanded:
		return "LeftHanded"
	case RightHanded:
		return "RightHanded"
	default:
		return fmt.Sprintf("Orientation(%d)", int(o))
	}
}

// BlockStream holds the per-tile buffers of a dense matrix.
//
// Configure it with SetInner, SetOuter and SetMatrixSize, then call ComputeChunkSize before feeding it.
type BlockStream[T stream.Float] struct {
	mesh *mesh.Mesh
	pool *workerspool.Pool

	innerBlocks, innerBlockSize int
	outerBlocks, outerBlockSize int
	matrixSize                  int

	// chunkSize and totalSize are in bytes, per tile.
	chunkSize, totalSize int

	orientation Orientation
	data        *stream.Arena[T]
}

// New returns an unconfigured BlockStream for the tiles of m.
func New[T stream.Float](m *mesh.Mesh) *BlockStream[T] {
	return &BlockStream[T]{mesh: m}
}

// NewForMatrix returns a BlockStream configured and sized for a matrixSize×matrixSize matrix using inner
// blocks of innerBlockSize×innerBlockSize.
//
// matrixSize must be a multiple of mesh side × innerBlockSize.
func NewForMatrix[T stream.Float](m *mesh.Mesh, matrixSize, innerBlockSize int) (*BlockStream[T], error) {
	b := New[T](m)
	outerBlockSize := m.Side() * innerBlockSize
	var outerBlocks int
	if outerBlockSize > 0 {
		outerBlocks = matrixSize / outerBlockSize
	}
	b.SetInner(m.Side(), innerBlockSize)
	b.SetOuter(outerBlocks, outerBlockSize)
	b.SetMatrixSize(matrixSize)
	if err := b.ComputeChunkSize(); err != nil {
		return nil, err
	}
	return b, nil
}

// WithPool sets the pool used to fill tile buffers in parallel. Without a pool buffers are filled sequentially.
func (b *BlockStream[T]) WithPool(pool *workerspool.Pool) *BlockStream[T] {
	b.pool = pool
	return b
}

// SetInner sets the number of inner blocks along each side of an outer block (the mesh side) and their size.
func (b *BlockStream[T]) SetInner(count, size int) {
	b.innerBlocks, b.innerBlockSize = count, size
}

// SetOuter sets the number of outer blocks along each side of the matrix and their size.
func (b *BlockStream[T]) SetOuter(count, size int) {
	b.outerBlocks, b.outerBlockSize = count, size
}

// SetMatrixSize sets the number of rows (and columns) of the matrix.
func (b *BlockStream[T]) SetMatrixSize(n int) {
	b.matrixSize = n
}

// ComputeChunkSize validates the geometry, computes the chunk and total sizes, and allocates zeroed tile buffers.
func (b *BlockStream[T]) ComputeChunkSize() error {
	if b.innerBlocks <= 0 || b.innerBlockSize <= 0 || b.outerBlocks <= 0 || b.outerBlockSize <= 0 || b.matrixSize <= 0 {
		return stream.Preconditionf("dense stream geometry not fully set: inner=(%d blocks of %d), outer=(%d blocks of %d), matrix size %d",
			b.innerBlocks, b.innerBlockSize, b.outerBlocks, b.outerBlockSize, b.matrixSize)
	}
	if b.innerBlocks != b.mesh.Side() {
		return stream.Preconditionf("dense stream needs %d inner blocks per outer block (the side of %s), got %d",
			b.mesh.Side(), b.mesh, b.innerBlocks)
	}
	if b.outerBlockSize != b.innerBlocks*b.innerBlockSize {
		return stream.Preconditionf("outer block size %d must be inner blocks (%d) × inner block size (%d)",
			b.outerBlockSize, b.innerBlocks, b.innerBlockSize)
	}
	if b.matrixSize != b.outerBlocks*b.outerBlockSize {
		return stream.Preconditionf("matrix size %d must be an exact multiple of the outer block size %d (%d outer blocks configured)",
			b.matrixSize, b.outerBlockSize, b.outerBlocks)
	}
	chunkElements := b.innerBlockSize * b.innerBlockSize
	b.chunkSize = chunkElements * stream.ElementSize[T]()
	b.totalSize = b.outerBlocks * b.outerBlocks * b.chunkSize
	b.data = stream.NewUniformArena[T](b.mesh.NumTiles(), b.outerBlocks*b.outerBlocks*chunkElements)
	b.orientation = LeftHanded
	klog.V(1).Infof("dense stream %d×%d on %s: %d×%d outer blocks of %d, chunk %s, total %s per tile",
		b.matrixSize, b.matrixSize, b.mesh, b.outerBlocks, b.outerBlocks, b.outerBlockSize,
		humanize.Bytes(uint64(b.chunkSize)), humanize.Bytes(uint64(b.totalSize)))
	return nil
}

func (b *BlockStream[T]) checkReady(op string) error {
	if b.data == nil {
		return stream.Preconditionf("dense stream %s called before ComputeChunkSize", op)
	}
	return nil
}

// MatrixSize returns the number of rows (and columns) of the streamed matrix.
func (b *BlockStream[T]) MatrixSize() int { return b.matrixSize }

// InnerBlocks returns the number of inner blocks along each side of an outer block.
func (b *BlockStream[T]) InnerBlocks() int { return b.innerBlocks }

// InnerBlockSize returns the side of an inner block.
func (b *BlockStream[T]) InnerBlockSize() int { return b.innerBlockSize }

// OuterBlocks returns the number of outer blocks along each side of the matrix (M).
func (b *BlockStream[T]) OuterBlocks() int { return b.outerBlocks }

// OuterBlockSize returns the side of an outer block.
func (b *BlockStream[T]) OuterBlockSize() int { return b.outerBlockSize }

// ChunkSize returns the size in bytes of one inner block, the unit of transfer to a tile.
func (b *BlockStream[T]) ChunkSize() int { return b.chunkSize }

// TotalSize returns the size in bytes of each tile buffer.
func (b *BlockStream[T]) TotalSize() int { return b.totalSize }

// Orientation returns the current order of the outer blocks in the tile buffers.
func (b *BlockStream[T]) Orientation() Orientation { return b.orientation }

// Mesh returns the mesh the stream is laid out for.
func (b *BlockStream[T]) Mesh() *mesh.Mesh { return b.mesh }

// Data returns the per-tile buffers.
func (b *BlockStream[T]) Data() *stream.Arena[T] { return b.data }

// Tile returns the buffer of one tile.
func (b *BlockStream[T]) Tile(tile int) []T { return b.data.Tile(tile) }

func (b *BlockStream[T]) forEachTile(fn func(tile int) error) error {
	if b.pool == nil {
		for tile := range b.mesh.NumTiles() {
			if err := fn(tile); err != nil {
				return err
			}
		}
		return nil
	}
	return b.pool.Run(b.mesh.NumTiles(), fn)
}

// FeedElements fills every tile buffer from a row-major matrix, always producing the LeftHanded layout.
//
// For every outer block (bi, bj), in row-major order, the inner block at (s, t) is copied to tile s·N+t.
func (b *BlockStream[T]) FeedElements(rowMajor []T) error {
	if err := b.checkReady("FeedElements"); err != nil {
		return err
	}
	n := b.matrixSize
	if len(rowMajor) != n*n {
		return stream.Preconditionf("FeedElements needs %d×%d=%d elements, got %d", n, n, n*n, len(rowMajor))
	}
	inner, outer, numOuter := b.innerBlockSize, b.outerBlockSize, b.outerBlocks
	chunkElements := inner * inner
	err := b.forEachTile(func(tile int) error {
		s, t := b.mesh.Coords(tile)
		dst := b.data.Tile(tile)
		for bi := range numOuter {
			for bj := range numOuter {
				chunkStart := (bi*numOuter + bj) * chunkElements
				rowStart := bi*outer + s*inner
				colStart := bj*outer + t*inner
				for ii := range inner {
					srcIdx := (rowStart+ii)*n + colStart
					copy(dst[chunkStart+ii*inner:chunkStart+(ii+1)*inner], rowMajor[srcIdx:srcIdx+inner])
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.orientation = LeftHanded
	return nil
}

// SetOrientation changes the order of the outer blocks in every tile buffer.
//
// It is a no-op if the orientation doesn't change. Otherwise chunks (ci, cj) and (cj, ci) are swapped in place,
// for every ci < cj. Diagonal chunks stay where they are.
//
// It fails with ErrPrecondition, leaving the buffers untouched, if the geometry was changed after
// ComputeChunkSize.
func (b *BlockStream[T]) SetOrientation(orientation Orientation) error {
	if orientation == b.orientation {
		return nil
	}
	if b.data != nil {
		tileElements := b.outerBlocks * b.outerBlocks * b.innerBlockSize * b.innerBlockSize
		for tile := range b.data.NumTiles() {
			if b.data.TileSize(tile) != tileElements {
				return stream.Preconditionf("dense stream tile %d has %d elements, but its geometry needs %d: "+
					"call ComputeChunkSize after changing it", tile, b.data.TileSize(tile), tileElements)
			}
		}
		err := b.forEachTile(func(tile int) error {
			b.transposeTile(b.data.Tile(tile))
			return nil
		})
		if err != nil {
			return errors.WithMessagef(err, "changing orientation to %s", orientation)
		}
	}
	b.orientation = orientation
	return nil
}

// transposeTile swaps the off-diagonal outer block chunks of one tile buffer. It is its own inverse.
func (b *BlockStream[T]) transposeTile(buf []T) {
	chunkElements := b.innerBlockSize * b.innerBlockSize
	for ci := range b.outerBlocks {
		for cj := ci + 1; cj < b.outerBlocks; cj++ {
			x := buf[(ci*b.outerBlocks+cj)*chunkElements : (ci*b.outerBlocks+cj+1)*chunkElements]
			y := buf[(cj*b.outerBlocks+ci)*chunkElements : (cj*b.outerBlocks+ci+1)*chunkElements]
			for k := range x {
				x[k], y[k] = y[k], x[k]
			}
		}
	}
}

// chunkIndex returns the position of outer block (bi, bj) in a tile buffer with the given orientation.
func (b *BlockStream[T]) chunkIndex(orientation Orientation, bi, bj int) int {
	if orientation == LeftHanded {
		return bi*b.outerBlocks + bj
	}
	return bj*b.outerBlocks + bi
}

// locate translates a global (i, j) into the tile that holds it and the offset within the tile buffer.
func (b *BlockStream[T]) locate(i, j int) (tile, offset int) {
	bi, bj := i/b.outerBlockSize, j/b.outerBlockSize
	ri, rj := i%b.outerBlockSize, j%b.outerBlockSize
	s, t := ri/b.innerBlockSize, rj/b.innerBlockSize
	ii, jj := ri%b.innerBlockSize, rj%b.innerBlockSize
	tile = s*b.innerBlocks + t
	offset = b.chunkIndex(b.orientation, bi, bj)*b.innerBlockSize*b.innerBlockSize + ii*b.innerBlockSize + jj
	return
}

func (b *BlockStream[T]) checkIndex(i, j int) {
	if b.data == nil {
		panic(stream.Preconditionf("dense stream element access before ComputeChunkSize"))
	}
	if i < 0 || i >= b.matrixSize || j < 0 || j >= b.matrixSize {
		panic(stream.Preconditionf("element (%d, %d) out of range for a %d×%d matrix", i, j, b.matrixSize, b.matrixSize))
	}
}

// At returns element (i, j) of the matrix. It is the slow path: use it for random access, not bulk iteration.
//
// It panics if (i, j) is out of range, like indexing a slice.
func (b *BlockStream[T]) At(i, j int) T {
	b.checkIndex(i, j)
	tile, offset := b.locate(i, j)
	return b.data.Tile(tile)[offset]
}

// Set sets element (i, j) of the matrix, in the current orientation. It is the slow path, see At.
func (b *BlockStream[T]) Set(i, j int, value T) {
	b.checkIndex(i, j)
	tile, offset := b.locate(i, j)
	b.data.Tile(tile)[offset] = value
}

// FromUpStream replaces the tile buffers with per-tile results, which are always laid out LeftHanded.
//
// It returns an ErrFormatMismatch if a tile buffer doesn't have exactly the stream's per-tile size.
func (b *BlockStream[T]) FromUpStream(up *stream.Arena[T]) error {
	if err := b.checkReady("FromUpStream"); err != nil {
		return err
	}
	if up.NumTiles() != b.data.NumTiles() {
		return stream.FormatMismatchf("up stream has %d tiles, the stream has %d", up.NumTiles(), b.data.NumTiles())
	}
	for tile := range up.NumTiles() {
		if up.TileSize(tile) != b.data.TileSize(tile) {
			return stream.FormatMismatchf("up stream tile %d has %d elements, expected %d",
				tile, up.TileSize(tile), b.data.TileSize(tile))
		}
	}
	for tile := range up.NumTiles() {
		copy(b.data.Tile(tile), up.Tile(tile))
	}
	b.orientation = LeftHanded
	return nil
}

// ToRowMajor reassembles the global matrix in row-major order, from tile buffers in any orientation.
func (b *BlockStream[T]) ToRowMajor() ([]T, error) {
	if err := b.checkReady("ToRowMajor"); err != nil {
		return nil, err
	}
	n := b.matrixSize
	rowMajor := make([]T, n*n)
	inner, outer, numOuter := b.innerBlockSize, b.outerBlockSize, b.outerBlocks
	chunkElements := inner * inner
	err := b.forEachTile(func(tile int) error {
		s, t := b.mesh.Coords(tile)
		src := b.data.Tile(tile)
		for bi := range numOuter {
			for bj := range numOuter {
				chunkStart := b.chunkIndex(b.orientation, bi, bj) * chunkElements
				rowStart := bi*outer + s*inner
				colStart := bj*outer + t*inner
				for ii := range inner {
					dstIdx := (rowStart+ii)*n + colStart
					copy(rowMajor[dstIdx:dstIdx+inner], src[chunkStart+ii*inner:chunkStart+(ii+1)*inner])
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rowMajor, nil
}

// Channel returns a sealed down channel holding the encoded tile buffers, ready to be created on a transport.
func (b *BlockStream[T]) Channel() (*stream.Channel, error) {
	if err := b.checkReady("Channel"); err != nil {
		return nil, err
	}
	c := stream.NewDownChannel(stream.EncodeArena(b.data))
	c.SetChunkSize(b.chunkSize)
	c.SetTotalSize(b.totalSize)
	c.Seal()
	return c, nil
}

// UpChannel returns an up channel sized to receive a matrix with the same geometry as this stream.
func (b *BlockStream[T]) UpChannel() (*stream.Channel, error) {
	if err := b.checkReady("UpChannel"); err != nil {
		return nil, err
	}
	c := stream.NewUpChannel(b.mesh.NumTiles())
	c.SetChunkSize(b.chunkSize)
	c.SetTotalSize(b.totalSize)
	return c, nil
}
