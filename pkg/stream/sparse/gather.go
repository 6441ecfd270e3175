// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilestream/pkg/stream"
	"k8s.io/klog/v2"
)

// Combine merges a partial result v into the current value of a result entry.
type Combine[T stream.Float] func(current, v T) T

// Overwrite replaces the current value by the partial result: the last cell to write a row wins.
func Overwrite[T stream.Float](_, v T) T { return v }

// Accumulate adds the partial result to the current value.
func Accumulate[T stream.Float](current, v T) T { return current + v }

// GatherRows scatters per-tile up-stream results into result.
//
// rowMaps[tile] lists, for each cell the tile visited, in order, the local→global row map of the cell: the tile
// sent len(rowMaps[tile][cell]) values per cell, encoded with valueDType, back to back.
//
// A tile whose buffer doesn't hold exactly the expected number of values (empty tiles may carry one value of
// padding) makes GatherRows return an error wrapping stream.ErrFormatMismatch, and result is left untouched:
// every buffer is checked before anything is written.
func GatherRows[T stream.Float](result []T, up *stream.Arena[byte], valueDType dtypes.DType, rowMaps [][][]int,
	combine Combine[T]) error {
	if err := stream.ValidateValueDType(valueDType); err != nil {
		return err
	}
	if up.NumTiles() != len(rowMaps) {
		return stream.FormatMismatchf("up stream has %d tiles, expected %d", up.NumTiles(), len(rowMaps))
	}
	valueSize := int(valueDType.Memory())
	for tile, maps := range rowMaps {
		var expected int
		for _, rowMap := range maps {
			expected += len(rowMap)
			for _, row := range rowMap {
				if row < 0 || row >= len(result) {
					return stream.Preconditionf("row %d of tile %d out of range for a result of length %d",
						row, tile, len(result))
				}
			}
		}
		got := up.TileSize(tile)
		if got == expected*valueSize || (expected == 0 && got == valueSize) {
			continue
		}
		return stream.FormatMismatchf("tile %d sent %d bytes, %d values of %s (%d bytes) expected",
			tile, got, expected, valueDType, expected*valueSize)
	}
	for tile, maps := range rowMaps {
		r, err := stream.NewReader(up.Tile(tile), dtypes.Uint32, valueDType)
		if err != nil {
			return err
		}
		for _, rowMap := range maps {
			values := stream.ReadValues[T](r, len(rowMap))
			for local, row := range rowMap {
				result[row] = combine(result[row], values[local])
			}
		}
		if err := r.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Gather writes the partial results sent back by the tiles into result, which must have one entry per row of
// the matrix. Rows present in more than one cell are overwritten, see GatherFunc to combine them instead.
func (s *WindowedStream[T]) Gather(result []T, up *stream.Arena[byte]) error {
	return s.GatherFunc(result, up, Overwrite[T])
}

// GatherFunc is like Gather, but merges each partial result into result with combine.
// For sparse matrix-vector products use Accumulate on a zeroed result.
func (s *WindowedStream[T]) GatherFunc(result []T, up *stream.Arena[byte], combine Combine[T]) error {
	if !s.prepared {
		return stream.Preconditionf("sparse stream Gather called before a successful Prepare")
	}
	if len(result) != s.rows {
		return stream.Preconditionf("result has %d entries, the matrix has %d rows", len(result), s.rows)
	}
	rowMaps := make([][][]int, len(s.tiles))
	for tile := range s.tiles {
		rowMaps[tile] = s.RowMaps(tile)
	}
	if err := GatherRows(result, up, s.valueDType, rowMaps, combine); err != nil {
		return err
	}
	klog.V(2).Infof("gathered %d rows from %d tiles", s.rows, len(s.tiles))
	return nil
}
