// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"context"

	"github.com/gomlx/tilestream/pkg/bsp"
	"github.com/gomlx/tilestream/pkg/core/mesh"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/pkg/errors"
)

// Registered variable slots used by Cannon.
const (
	slotA = iota
	slotB
)

// Cannon returns the kernel multiplying C = A·B with Cannon's algorithm, over dense block streams.
//
// A must be streamed LeftHanded and B RightHanded, so that the k-th outer block of row I of A is chunk I·M+k
// and the k-th outer block of column J of B is chunk J·M+k. The kernel pushes one chunk of C per outer block
// (I, J), in row-major order, so the up stream holds C in LeftHanded layout.
//
// The geometry is read from the parameter messages TagInnerBlockSize, TagOuterBlocks and TagMeshSide.
func Cannon[T stream.Float](a, b, c *stream.Channel) bsp.Kernel {
	return func(ctx context.Context, t *bsp.Tile) error {
		inner, err := param(t, TagInnerBlockSize)
		if err != nil {
			return err
		}
		numOuter, err := param(t, TagOuterBlocks)
		if err != nil {
			return err
		}
		side, err := param(t, TagMeshSide)
		if err != nil {
			return err
		}
		m := t.Mesh()
		if side != m.Side() {
			return errors.Errorf("tile %d: mesh side parameter %d doesn't match the mesh %s", t.Pid(), side, m)
		}
		pid := t.Pid()
		aIn, err := t.OpenDownStream(a.StreamID(pid))
		if err != nil {
			return err
		}
		bIn, err := t.OpenDownStream(b.StreamID(pid))
		if err != nil {
			return err
		}
		cOut, err := t.OpenUpStream(c.StreamID(pid))
		if err != nil {
			return err
		}

		blockElements := inner * inner
		aBlock, bBlock, cBlock := make([]T, blockElements), make([]T, blockElements), make([]T, blockElements)
		bsp.Register(t, slotA, aBlock)
		bsp.Register(t, slotB, bBlock)
		if err := t.Sync(); err != nil {
			return err
		}

		row, col := m.Coords(pid)
		skewA, skewB := m.TileAt(row, col-row), m.TileAt(row-col, col)
		left, up := m.Shift(pid, mesh.Cols, -1), m.Shift(pid, mesh.Rows, -1)
		cBytes := make([]byte, 0, blockElements*stream.ElementSize[T]())
		for bi := range numOuter {
			for bj := range numOuter {
				if err := ctx.Err(); err != nil {
					return err
				}
				clear(cBlock)
				for k := range numOuter {
					if err := readBlock(aIn, bi*numOuter+k, aBlock); err != nil {
						return errors.WithMessage(err, "reading A")
					}
					if err := readBlock(bIn, bj*numOuter+k, bBlock); err != nil {
						return errors.WithMessage(err, "reading B")
					}
					if err := exchange(t, skewA, aBlock, skewB, bBlock); err != nil {
						return err
					}
					for step := range side {
						multiplyAdd(cBlock, aBlock, bBlock, inner)
						if step < side-1 {
							if err := exchange(t, left, aBlock, up, bBlock); err != nil {
								return err
							}
						}
					}
				}
				cBytes = stream.EncodeValues(cBytes[:0], cBlock)
				if err := cOut.Push(cBytes); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// readBlock decodes the given chunk of a down stream into block.
func readBlock[T stream.Float](in *bsp.DownStream, chunk int, block []T) error {
	if err := in.Seek(chunk); err != nil {
		return err
	}
	data, err := in.Next()
	if err != nil {
		return err
	}
	return stream.DecodeValues(data, block)
}

// exchange sends the A block to tile toA and the B block to tile toB, and receives the blocks sent to this
// tile in their place.
func exchange[T stream.Float](t *bsp.Tile, toA int, aBlock []T, toB int, bBlock []T) error {
	if err := bsp.Put(t, toA, aBlock, slotA, 0); err != nil {
		return err
	}
	if err := bsp.Put(t, toB, bBlock, slotB, 0); err != nil {
		return err
	}
	return t.Sync()
}

// multiplyAdd computes c += a·b for n×n row-major blocks.
func multiplyAdd[T stream.Float](c, a, b []T, n int) {
	for i := range n {
		cRow := c[i*n : (i+1)*n]
		for k := range n {
			aik := a[i*n+k]
			if aik == 0 {
				continue
			}
			bRow := b[k*n : (k+1)*n]
			for j, bkj := range bRow {
				cRow[j] += aik * bkj
			}
		}
	}
}
