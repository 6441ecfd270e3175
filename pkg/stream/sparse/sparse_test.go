// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse_test

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilestream/internal/workerspool"
	"github.com/gomlx/tilestream/pkg/core/mesh"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/gomlx/tilestream/pkg/stream/sparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type problem struct {
	rows, cols int
	images     [][]sparse.Triplet[float64]
	values     []float64
	owners     []int
}

// randomProblem builds a rows×cols matrix with about density·rows·cols non-zeros, whose triplets are dealt
// to the tiles cyclically, and a vector whose entries are owned by random tiles. Values are small integers so
// that results are exact in any value dtype.
func randomProblem(rows, cols int, density float64, seed uint64) *problem {
	rng := rand.New(rand.NewPCG(seed, 17))
	p := &problem{rows: rows, cols: cols, images: make([][]sparse.Triplet[float64], 16)}
	var count int
	for i := range rows {
		for j := range cols {
			if rng.Float64() >= density {
				continue
			}
			tile := count % 16
			count++
			p.images[tile] = append(p.images[tile], sparse.Triplet[float64]{Row: i, Col: j, Value: float64(rng.IntN(7) - 3)})
		}
	}
	p.values = make([]float64, cols)
	p.owners = make([]int, cols)
	for j := range cols {
		p.values[j] = float64(rng.IntN(5) + 1)
		p.owners[j] = rng.IntN(16)
	}
	return p
}

func (p *problem) prepare(t *testing.T, s *sparse.WindowedStream[float64]) {
	require.NoError(t, s.Prepare(p.rows, p.cols, p.images, p.values, p.owners))
}

func (p *problem) product() []float64 {
	u := make([]float64, p.rows)
	for _, image := range p.images {
		for _, triplet := range image {
			u[triplet.Row] += triplet.Value * p.values[triplet.Col]
		}
	}
	return u
}

func TestPrepareCoverage(t *testing.T) {
	p := randomProblem(73, 61, 0.2, 1)
	s := sparse.New[float64](mesh.Default()).WithStripSize(10).WithWindowSize(12).WithPool(workerspool.New())
	p.prepare(t, s)
	assert.Equal(t, 7, s.NumStrips())
	assert.Equal(t, 7, s.NumWindows())

	for tile := range 16 {
		var got []sparse.Triplet[float64]
		cells := s.Cells(tile)
		require.Len(t, cells, 49)
		for _, cell := range cells {
			for _, triplet := range cell.Triplets {
				require.Less(t, triplet.Row, cell.SizeU)
				require.Less(t, triplet.Col, cell.SizeV)
				global := sparse.Triplet[float64]{Row: cell.Rows.Key(triplet.Row), Col: cell.Cols.Key(triplet.Col), Value: triplet.Value}
				assert.Equal(t, cell.Window, global.Row/12)
				assert.Equal(t, cell.Strip, global.Col/10)
				got = append(got, global)
			}
		}
		cmpTriplets := func(a, b sparse.Triplet[float64]) int {
			if a.Row != b.Row {
				return a.Row - b.Row
			}
			return a.Col - b.Col
		}
		want := slices.Clone(p.images[tile])
		slices.SortFunc(want, cmpTriplets)
		slices.SortFunc(got, cmpTriplets)
		assert.Equal(t, want, got, "tile %d", tile)
	}
	// Images are not modified.
	assert.Equal(t, randomProblem(73, 61, 0.2, 1).images, p.images)
}

func TestLocalMaps(t *testing.T) {
	p := randomProblem(64, 64, 0.3, 2)
	s := sparse.New[float64](mesh.Default()).WithStripSize(16).WithWindowSize(16)
	p.prepare(t, s)

	for tile := range 16 {
		header := s.Header(tile)
		assert.Equal(t, 4, header.NumStrips)
		for _, cell := range s.Cells(tile) {
			// Local row ids are a bijection onto [0, SizeU), in increasing global order.
			rows := cell.Rows.Keys()
			require.Len(t, rows, cell.SizeU)
			assert.True(t, slices.IsSorted(rows))

			// Columns: first the owned columns of the strip, then the non-local ones.
			owned := s.LocalValues(tile, cell.Strip)
			cols := cell.Cols.Keys()
			require.Len(t, cols, cell.SizeV)
			assert.Equal(t, cell.NonLocal, cell.SizeV-len(owned))
			for ii, col := range cols {
				assert.Equal(t, cell.Strip, col/16)
				if ii < len(owned) {
					assert.Equal(t, tile, p.owners[col])
					assert.Equal(t, p.values[col], owned[ii])
					continue
				}
				nonLocal := ii - len(owned)
				owner, ownerIdx := cell.NonLocalOwners[nonLocal], cell.NonLocalIndices[nonLocal]
				assert.NotEqual(t, tile, owner)
				assert.Equal(t, owner, p.owners[col])
				assert.Equal(t, p.values[col], s.LocalValues(owner, cell.Strip)[ownerIdx])
			}
			for id, col := range cols {
				got, found := cell.Cols.ID(col)
				require.True(t, found)
				assert.Equal(t, id, got)
			}

			assert.LessOrEqual(t, cell.SizeU, header.MaxSizeU)
			assert.LessOrEqual(t, cell.SizeV, header.MaxSizeV)
			assert.LessOrEqual(t, cell.NonLocal, header.MaxNonLocal)
			assert.LessOrEqual(t, len(cell.Triplets), header.MaxWindowSize)
		}
	}
}

// simulateTiles plays the role of the tiles: it decodes every tile stream, multiplies each window by the
// vector entries it needs (fetching non-local ones from the owners' decoded local values), and encodes the
// partial results of each window back to back.
func simulateTiles(t *testing.T, s *sparse.WindowedStream[float64]) *stream.Arena[byte] {
	decoded := make([]*sparse.TileStream[float64], 16)
	for tile := range decoded {
		var err error
		decoded[tile], err = sparse.Decode[float64](s.Blob(tile), s.IndexDType(), s.ValueDType())
		require.NoError(t, err)
	}
	results := make([][]byte, 16)
	for tile, ts := range decoded {
		w, err := stream.NewWriter(s.IndexDType(), s.ValueDType())
		require.NoError(t, err)
		for k, strip := range ts.Strips {
			for _, window := range strip.Windows {
				v := slices.Clone(strip.LocalValues)
				for ii, owner := range window.NonLocalOwners {
					v = append(v, decoded[owner].Strips[k].LocalValues[window.NonLocalIndices[ii]])
				}
				u := make([]float64, window.SizeU)
				for ii := range window.Rows {
					u[window.Rows[ii]] += window.Values[ii] * v[window.Cols[ii]]
				}
				stream.WriteValues(w, u)
			}
		}
		results[tile], err = w.Bytes()
		require.NoError(t, err)
		if len(results[tile]) == 0 {
			results[tile] = make([]byte, s.ValueDType().Memory())
		}
		require.Len(t, results[tile], s.UpStreamSize(tile))
	}
	return stream.WrapArena(results)
}

func TestSpMVRoundTrip(t *testing.T) {
	for _, valueDType := range []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64} {
		t.Run(valueDType.String(), func(t *testing.T) {
			p := randomProblem(100, 90, 0.1, 3)
			s := sparse.New[float64](mesh.Default()).WithStripSize(20).WithWindowSize(25).WithValueDType(valueDType)
			p.prepare(t, s)
			up := simulateTiles(t, s)
			result := make([]float64, p.rows)
			require.NoError(t, s.GatherFunc(result, up, sparse.Accumulate[float64]))
			assert.Equal(t, p.product(), result)
		})
	}
}

func TestDecode(t *testing.T) {
	p := randomProblem(60, 60, 0.25, 4)
	s := sparse.New[float64](mesh.Default()).WithStripSize(15).WithWindowSize(20)
	p.prepare(t, s)

	for tile := range 16 {
		ts, err := sparse.Decode[float64](s.Blob(tile), stream.TileIndexDType, dtypes.Float64)
		require.NoError(t, err)
		assert.Equal(t, s.Header(tile), ts.Header)
		assert.Equal(t, 4*3, ts.NumWindows())
		cells := s.Cells(tile)
		for k, strip := range ts.Strips {
			require.Len(t, strip.Windows, 3)
			assert.Equal(t, s.LocalValues(tile, k), strip.LocalValues)
			for w, window := range strip.Windows {
				cell := cells[k*3+w]
				assert.Equal(t, cell.SizeU, window.SizeU)
				require.Len(t, window.Rows, len(cell.Triplets))
				for ii, triplet := range cell.Triplets {
					assert.Equal(t, triplet.Row, window.Rows[ii])
					assert.Equal(t, triplet.Col, window.Cols[ii])
					assert.Equal(t, triplet.Value, window.Values[ii])
				}
				assert.Len(t, window.NonLocalOwners, cell.NonLocal)
			}
		}
	}

	blob := s.Blob(3)
	_, err := sparse.Decode[float64](blob[:len(blob)-1], stream.TileIndexDType, dtypes.Float64)
	require.ErrorIs(t, err, stream.ErrFormatMismatch)
	_, err = sparse.Decode[float64](append(slices.Clone(blob), 0), stream.TileIndexDType, dtypes.Float64)
	require.ErrorIs(t, err, stream.ErrFormatMismatch)
	_, err = sparse.Decode[float64](blob, dtypes.Uint64, dtypes.Float64)
	require.ErrorIs(t, err, stream.ErrFormatMismatch)

	// A corrupt header allowing a huge number of local values.
	const huge = 1<<61 + 1
	w, err := stream.NewWriter(dtypes.Uint64, dtypes.Float64)
	require.NoError(t, err)
	w.Indices([]int{0, huge, 0, 0, 1})
	w.Indices([]int{0, huge})
	stream.WriteValues(w, []float64{1})
	corrupt, err := w.Bytes()
	require.NoError(t, err)
	_, err = sparse.Decode[float64](corrupt, dtypes.Uint64, dtypes.Float64)
	require.ErrorIs(t, err, stream.ErrFormatMismatch)
}

func TestLayout(t *testing.T) {
	// A single non-zero at (1, 2) owned by tile 0, with v[2] owned by tile 1.
	rows, cols := 4, 4
	images := make([][]sparse.Triplet[float32], 16)
	images[0] = []sparse.Triplet[float32]{{Row: 1, Col: 2, Value: 3}}
	values := []float32{10, 20, 30, 40}
	owners := []int{0, 0, 1, 1}
	s := sparse.New[float32](mesh.Default()).WithStripSize(2).WithWindowSize(2)
	require.NoError(t, s.Prepare(rows, cols, images, values, owners))

	r, err := stream.NewReader(s.Blob(0), stream.TileIndexDType, dtypes.Float32)
	require.NoError(t, err)
	// Header: maxSizeU, maxSizeV, maxWindowSize, maxNonLocal, numStrips.
	// maxSizeV is 2 because the empty cells of strip 0 still map both columns tile 0 owns there.
	assert.Equal(t, []int{1, 2, 1, 1, 2}, r.Indices(5))
	// Strip 0: 2 windows, owns v[0] and v[1].
	assert.Equal(t, []int{2, 2}, r.Indices(2))
	assert.Equal(t, []float32{10, 20}, stream.ReadValues[float32](r, 2))
	// Two empty windows: numNonLocal=0, sizeU=0, windowSize=0.
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0}, r.Indices(6))
	// Strip 1: 2 windows, no local values.
	assert.Equal(t, []int{2, 0}, r.Indices(2))
	// Window 0: v[2] is the entry #0 of tile 1, one row, one triplet at local (0, 0).
	assert.Equal(t, []int{1, 1, 0, 1, 1, 0, 0}, r.Indices(7))
	assert.Equal(t, []float32{3}, stream.ReadValues[float32](r, 1))
	// Window 1 is empty.
	assert.Equal(t, []int{0, 0, 0}, r.Indices(3))
	require.NoError(t, r.Err())
	assert.Equal(t, 0, r.Remaining())

	cells := s.Cells(0)
	assert.Equal(t, 2, cells[0].SizeV, "empty cell of strip 0")
	assert.Equal(t, 0, cells[0].NonLocal)
	assert.Equal(t, 1, cells[2].SizeV, "no owned columns, one non-local")
	assert.Equal(t, 1, cells[2].NonLocal)
	assert.Equal(t, []int{1}, s.RowMaps(0)[2])
	assert.Equal(t, 1, s.UpStreamElements(0))
	assert.Equal(t, 0, s.UpStreamElements(5))
	assert.Equal(t, 4, s.UpStreamSize(5), "empty tiles get one value of padding")

	down, err := s.Channel()
	require.NoError(t, err)
	assert.Equal(t, len(s.Blob(0)), down.ChunkSize(0))
	assert.Equal(t, len(s.Blob(0)), down.TotalSize(0))
	up, err := s.UpChannel()
	require.NoError(t, err)
	assert.Equal(t, 4, up.ChunkSize(0))
	assert.Equal(t, 4, up.TotalSize(0))
}

func TestPreparePreconditions(t *testing.T) {
	p := randomProblem(40, 40, 0.2, 5)
	newStream := func() *sparse.WindowedStream[float64] {
		return sparse.New[float64](mesh.Default()).WithStripSize(10).WithWindowSize(10)
	}
	tests := []struct {
		name    string
		prepare func() error
	}{
		{"rows not above window size", func() error {
			return newStream().WithWindowSize(40).Prepare(p.rows, p.cols, p.images, p.values, p.owners)
		}},
		{"cols not above strip size", func() error {
			return newStream().WithStripSize(50).Prepare(p.rows, p.cols, p.images, p.values, p.owners)
		}},
		{"zero strip size", func() error {
			return newStream().WithStripSize(0).Prepare(p.rows, p.cols, p.images, p.values, p.owners)
		}},
		{"index dtype mismatch", func() error {
			return newStream().WithIndexDType(dtypes.Uint64).Prepare(p.rows, p.cols, p.images, p.values, p.owners)
		}},
		{"signed index dtype", func() error {
			return newStream().WithIndexDType(dtypes.Int32).WithTileIndexDType(dtypes.Int32).
				Prepare(p.rows, p.cols, p.images, p.values, p.owners)
		}},
		{"integer value dtype", func() error {
			return newStream().WithValueDType(dtypes.Int32).Prepare(p.rows, p.cols, p.images, p.values, p.owners)
		}},
		{"missing images", func() error {
			return newStream().Prepare(p.rows, p.cols, p.images[:15], p.values, p.owners)
		}},
		{"short vector", func() error {
			return newStream().Prepare(p.rows, p.cols, p.images, p.values[:39], p.owners[:39])
		}},
		{"owner out of range", func() error {
			owners := slices.Clone(p.owners)
			owners[3] = 16
			return newStream().Prepare(p.rows, p.cols, p.images, p.values, owners)
		}},
		{"triplet out of range", func() error {
			images := slices.Clone(p.images)
			images[2] = append(slices.Clone(images[2]), sparse.Triplet[float64]{Row: 40, Col: 0, Value: 1})
			return newStream().Prepare(p.rows, p.cols, images, p.values, p.owners)
		}},
		{"fields don't fit the index dtype", func() error {
			const cols = 70000
			return newStream().WithIndexDType(dtypes.Uint16).WithTileIndexDType(dtypes.Uint16).
				Prepare(p.rows, cols, p.images, make([]float64, cols), make([]int, cols))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.prepare(), stream.ErrPrecondition)
		})
	}

	s := newStream()
	assert.False(t, s.IsPrepared())
	_, err := s.Channel()
	require.ErrorIs(t, err, stream.ErrPrecondition)
	assert.Panics(t, func() { s.Blob(0) })
}

func TestIndexDTypes(t *testing.T) {
	p := randomProblem(40, 40, 0.2, 6)
	s := sparse.New[float64](mesh.Default()).WithStripSize(10).WithWindowSize(10).
		WithIndexDType(dtypes.Uint16).WithTileIndexDType(dtypes.Uint16)
	p.prepare(t, s)
	wide := sparse.New[float64](mesh.Default()).WithStripSize(10).WithWindowSize(10)
	p.prepare(t, wide)
	for tile := range 16 {
		assert.Less(t, len(s.Blob(tile)), len(wide.Blob(tile)))
	}
	up := simulateTiles(t, s)
	result := make([]float64, p.rows)
	require.NoError(t, s.GatherFunc(result, up, sparse.Accumulate[float64]))
	assert.Equal(t, p.product(), result)
}

func TestGatherInverse(t *testing.T) {
	p := randomProblem(40, 40, 0.05, 9)
	// Row 3 has no non-zeros, so no tile sends anything for it.
	touched := make(map[int]bool)
	for tile, image := range p.images {
		p.images[tile] = slices.DeleteFunc(image, func(triplet sparse.Triplet[float64]) bool { return triplet.Row == 3 })
		for _, triplet := range p.images[tile] {
			touched[triplet.Row] = true
		}
	}
	s := sparse.New[float64](mesh.Default()).WithStripSize(10).WithWindowSize(10)
	p.prepare(t, s)

	// Each tile sends back, for every local row id, the global row it stands for.
	buffers := make([][]byte, 16)
	for tile := range buffers {
		for _, rowMap := range s.RowMaps(tile) {
			for _, row := range rowMap {
				buffers[tile] = stream.EncodeValues(buffers[tile], []float64{float64(row)})
			}
		}
		if len(buffers[tile]) == 0 {
			buffers[tile] = stream.EncodeValues(nil, []float64{-100})
		}
		require.Len(t, buffers[tile], s.UpStreamSize(tile))
	}

	result := slices.Repeat([]float64{-1}, p.rows)
	require.NoError(t, s.Gather(result, stream.WrapArena(buffers)))
	require.False(t, touched[3])
	for row, value := range result {
		if touched[row] {
			assert.Equal(t, float64(row), value, "row %d", row)
		} else {
			assert.Equal(t, float64(-1), value, "untouched row %d", row)
		}
	}
}

func TestGather(t *testing.T) {
	p := randomProblem(30, 30, 0.3, 7)
	s := sparse.New[float64](mesh.Default()).WithStripSize(10).WithWindowSize(10)
	var prepared []int
	progress := make(chan int, 16)
	s.WithProgress(func(tile int) { progress <- tile })
	p.prepare(t, s)
	close(progress)
	for tile := range progress {
		prepared = append(prepared, tile)
	}
	assert.Len(t, prepared, 16)

	up := simulateTiles(t, s)

	// Overwrite: each row holds the partial result of one of the cells that touched it.
	result := make([]float64, p.rows)
	require.NoError(t, s.Gather(result, up))

	// A short buffer invalidates the gather, and nothing is written.
	short := make([][]byte, 16)
	for tile := range short {
		short[tile] = up.Tile(tile)
	}
	for tile := range short {
		if s.UpStreamElements(tile) > 0 {
			short[tile] = short[tile][:len(short[tile])-8]
			break
		}
	}
	untouched := slices.Repeat([]float64{-1}, p.rows)
	require.ErrorIs(t, s.GatherFunc(untouched, stream.WrapArena(short), sparse.Accumulate[float64]), stream.ErrFormatMismatch)
	assert.Equal(t, slices.Repeat([]float64{-1}, p.rows), untouched)

	// Over-long buffers are rejected as well.
	long := make([][]byte, 16)
	for tile := range long {
		long[tile] = append(slices.Clone(up.Tile(tile)), make([]byte, 8)...)
	}
	require.ErrorIs(t, s.Gather(result, stream.WrapArena(long)), stream.ErrFormatMismatch)

	require.ErrorIs(t, s.Gather(make([]float64, 3), up), stream.ErrPrecondition)
}
