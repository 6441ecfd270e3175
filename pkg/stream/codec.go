// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stream

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
)

// Float is the set of element types streams carry for matrices and vectors.
type Float interface {
	float32 | float64
}

// ByteOrder of every stream built by this module. The tiles are little endian.
var ByteOrder = binary.LittleEndian

// DTypeOf returns the dtypes.DType of the element type T.
func DTypeOf[T Float]() dtypes.DType {
	return dtypes.FromGenericsType[T]()
}

// ElementSize returns sizeof(T) in bytes.
func ElementSize[T Float]() int {
	return int(DTypeOf[T]().Memory())
}

// EncodeValues appends the little endian encoding of values to dst and returns the extended slice.
func EncodeValues[T Float](dst []byte, values []T) []byte {
	switch vs := any(values).(type) {
	case []float32:
		for _, v := range vs {
			dst = ByteOrder.AppendUint32(dst, math.Float32bits(v))
		}
	case []float64:
		for _, v := range vs {
			dst = ByteOrder.AppendUint64(dst, math.Float64bits(v))
		}
	}
	return dst
}

// DecodeValues decodes len(dst) values from src into dst.
//
// It returns an ErrFormatMismatch if src doesn't hold exactly len(dst) values.
func DecodeValues[T Float](src []byte, dst []T) error {
	elementSize := ElementSize[T]()
	if len(src) != len(dst)*elementSize {
		return FormatMismatchf("decoding %d values of %s requires %d bytes, got %d",
			len(dst), DTypeOf[T](), len(dst)*elementSize, len(src))
	}
	switch vs := any(dst).(type) {
	case []float32:
		for ii := range vs {
			vs[ii] = math.Float32frombits(ByteOrder.Uint32(src[ii*4:]))
		}
	case []float64:
		for ii := range vs {
			vs[ii] = math.Float64frombits(ByteOrder.Uint64(src[ii*8:]))
		}
	}
	return nil
}

// EncodeArena encodes every tile buffer of a typed arena into a new byte arena.
func EncodeArena[T Float](a *Arena[T]) *Arena[byte] {
	elementSize := ElementSize[T]()
	sizes := make([]int, a.NumTiles())
	for tile := range sizes {
		sizes[tile] = a.TileSize(tile) * elementSize
	}
	encoded := NewArena[byte](sizes)
	for tile := range sizes {
		EncodeValues(encoded.Tile(tile)[:0], a.Tile(tile))
	}
	return encoded
}

// DecodeArena decodes every tile buffer of a byte arena into a new typed arena.
//
// It returns an ErrFormatMismatch if a tile buffer is not a whole number of elements.
func DecodeArena[T Float](a *Arena[byte]) (*Arena[T], error) {
	elementSize := ElementSize[T]()
	sizes := make([]int, a.NumTiles())
	for tile := range sizes {
		if a.TileSize(tile)%elementSize != 0 {
			return nil, FormatMismatchf("tile %d buffer has %d bytes, not a multiple of the %s element size %d",
				tile, a.TileSize(tile), DTypeOf[T](), elementSize)
		}
		sizes[tile] = a.TileSize(tile) / elementSize
	}
	decoded := NewArena[T](sizes)
	for tile := range sizes {
		if err := DecodeValues(a.Tile(tile), decoded.Tile(tile)); err != nil {
			return nil, err
		}
	}
	return decoded, nil
}
