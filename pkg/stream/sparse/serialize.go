// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/pkg/errors"
)

// serialize writes the stream of one tile. Every integer field uses the index dtype and every value the value
// dtype:
//
//	header: maxSizeU, maxSizeV, maxWindowSize, maxNonLocal, numStrips
//	for each strip:
//	  numWindows, numLocal, localValues[numLocal]
//	  for each window:
//	    numNonLocal, nonLocalOwners[numNonLocal], nonLocalIndices[numNonLocal],
//	    sizeU, windowSize, rows[windowSize], cols[windowSize], values[windowSize]
//
// Empty windows are written too (with all counts zero), so that all tiles walk the same sequence of cells.
// numLocal extends the strip header beyond numWindows and the local values: without it a tile could not tell
// where its local values end and the first window starts.
func (s *WindowedStream[T]) serialize(ts *tileStream[T]) ([]byte, error) {
	w, err := stream.NewWriter(s.indexDType, s.valueDType)
	if err != nil {
		return nil, err
	}
	w.Grow(s.blobSize(ts))
	h := ts.header
	w.Indices([]int{h.MaxSizeU, h.MaxSizeV, h.MaxWindowSize, h.MaxNonLocal, h.NumStrips})
	rows, cols := make([]int, h.MaxWindowSize), make([]int, h.MaxWindowSize)
	values := make([]T, h.MaxWindowSize)
	for strip := range s.numStrips {
		w.Index(s.numWins)
		w.Index(len(ts.ownedValues[strip]))
		stream.WriteValues(w, ts.ownedValues[strip])
		for window := range s.numWins {
			cell := ts.cells[s.cellIndex(strip, window)]
			w.Index(cell.NonLocal)
			w.Indices(cell.NonLocalOwners)
			w.Indices(cell.NonLocalIndices)
			w.Index(cell.SizeU)
			n := len(cell.Triplets)
			w.Index(n)
			for ii, triplet := range cell.Triplets {
				rows[ii], cols[ii], values[ii] = triplet.Row, triplet.Col, triplet.Value
			}
			w.Indices(rows[:n])
			w.Indices(cols[:n])
			stream.WriteValues(w, values[:n])
		}
	}
	blob, err := w.Bytes()
	if err != nil {
		return nil, errors.WithMessage(err, "serializing sparse tile stream")
	}
	return blob, nil
}

// blobSize returns the exact size in bytes of the serialized stream of a tile.
func (s *WindowedStream[T]) blobSize(ts *tileStream[T]) int {
	indexSize, valueSize := int(s.indexDType.Memory()), int(s.valueDType.Memory())
	size := 5 * indexSize
	for strip := range s.numStrips {
		size += 2*indexSize + len(ts.ownedValues[strip])*valueSize
		for window := range s.numWins {
			cell := ts.cells[s.cellIndex(strip, window)]
			size += (3+2*cell.NonLocal+2*len(cell.Triplets))*indexSize + len(cell.Triplets)*valueSize
		}
	}
	return size
}

// Window is one decoded cell of a tile stream.
type Window[T stream.Float] struct {
	// NonLocalOwners and NonLocalIndices locate the vector entries of the non-local columns in their owners'
	// local values.
	NonLocalOwners, NonLocalIndices []int

	SizeU int

	// Rows, Cols and Values of the triplets, with local indices.
	Rows, Cols []int
	Values     []T
}

// Strip is one decoded strip of a tile stream.
type Strip[T stream.Float] struct {
	// LocalValues are the vector values of the strip owned by the tile.
	LocalValues []T
	Windows     []Window[T]
}

// TileStream is a decoded tile stream, as seen by the tile.
type TileStream[T stream.Float] struct {
	Header
	Strips []Strip[T]
}

// Decode parses a serialized tile stream. It is the tile-side counterpart of the streams built by Prepare.
// Every strip header carries numLocal between numWindows and the local values (see serialize).
//
// It returns an error wrapping stream.ErrFormatMismatch if the blob is truncated, has trailing bytes, or any of
// its counts exceeds the maxima in its header.
func Decode[T stream.Float](blob []byte, indexDType, valueDType dtypes.DType) (*TileStream[T], error) {
	r, err := stream.NewReader(blob, indexDType, valueDType)
	if err != nil {
		return nil, err
	}
	ts := &TileStream[T]{}
	h := &ts.Header
	h.MaxSizeU, h.MaxSizeV, h.MaxWindowSize, h.MaxNonLocal, h.NumStrips = r.Index(), r.Index(), r.Index(), r.Index(), r.Index()
	if r.Err() != nil {
		return nil, errors.WithMessage(r.Err(), "decoding sparse stream header")
	}
	// Every strip takes at least two fields: this bounds allocations on corrupt headers.
	if h.NumStrips > r.Remaining() {
		return nil, stream.FormatMismatchf("sparse stream header has %d strips, but only %d bytes follow",
			h.NumStrips, r.Remaining())
	}
	ts.Strips = make([]Strip[T], h.NumStrips)
	for k := range ts.Strips {
		strip := &ts.Strips[k]
		numWindows := r.Index()
		numLocal := r.Index()
		if r.Err() == nil && (numWindows > r.Remaining() || numLocal > h.MaxSizeV || numLocal > r.Remaining()) {
			return nil, stream.FormatMismatchf("strip %d: %d windows and %d local values inconsistent with header %+v",
				k, numWindows, numLocal, *h)
		}
		strip.LocalValues = stream.ReadValues[T](r, numLocal)
		if r.Err() != nil {
			return nil, errors.WithMessagef(r.Err(), "decoding strip %d", k)
		}
		strip.Windows = make([]Window[T], numWindows)
		for wIdx := range strip.Windows {
			window := &strip.Windows[wIdx]
			numNonLocal := r.Index()
			if numNonLocal > h.MaxNonLocal || numNonLocal > r.Remaining() {
				return nil, stream.FormatMismatchf("strip %d window %d: %d non-local entries, header maximum is %d",
					k, wIdx, numNonLocal, h.MaxNonLocal)
			}
			window.NonLocalOwners = r.Indices(numNonLocal)
			window.NonLocalIndices = r.Indices(numNonLocal)
			window.SizeU = r.Index()
			size := r.Index()
			if window.SizeU > h.MaxSizeU || size > h.MaxWindowSize || size > r.Remaining() {
				return nil, stream.FormatMismatchf("strip %d window %d: sizeU=%d and %d triplets exceed header %+v",
					k, wIdx, window.SizeU, size, *h)
			}
			window.Rows = r.Indices(size)
			window.Cols = r.Indices(size)
			window.Values = stream.ReadValues[T](r, size)
			if r.Err() != nil {
				return nil, errors.WithMessagef(r.Err(), "decoding strip %d window %d", k, wIdx)
			}
		}
	}
	if r.Remaining() != 0 {
		return nil, stream.FormatMismatchf("%d trailing bytes after the last strip of a sparse stream", r.Remaining())
	}
	return ts, nil
}

// NumWindows returns the total number of windows, over all strips.
func (ts *TileStream[T]) NumWindows() int {
	var n int
	for _, strip := range ts.Strips {
		n += len(strip.Windows)
	}
	return n
}
