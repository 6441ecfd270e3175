// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sparse streams a partitioned sparse matrix, and its companion vector, to the tiles of a mesh for
// sparse matrix-vector products (u = A·v).
//
// Columns are grouped into strips of StripSize columns and rows into windows of WindowSize rows. Every tile
// receives, for each (strip, window) cell, the triplets it owns in that cell with their indices rewritten to
// compact cell-local ids, plus the information it needs to fetch the vector entries owned by other tiles.
// The tile sends back, per cell, one partial result per local row, which Gather scatters into the global
// result vector using the local→global row maps kept by the stream.
//
// Every tile stream is a flat blob of fixed-width little endian fields, see Serialize for the exact layout.
package sparse

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilestream/internal/workerspool"
	"github.com/gomlx/tilestream/pkg/core/mesh"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/gomlx/tilestream/pkg/support/sets"
	"k8s.io/klog/v2"
)

// DefaultWindowDimension is the default number of columns per strip and rows per window.
const DefaultWindowDimension = 50

// Triplet is one non-zero of a sparse matrix.
type Triplet[T stream.Float] struct {
	Row, Col int
	Value    T
}

// Cell holds what one tile owns of one (strip, window) cell of the matrix.
//
// After preparation the Row and Col of its Triplets are local ids: rows in [0, SizeU) and columns in [0, SizeV).
type Cell[T stream.Float] struct {
	Strip, Window int

	// Triplets of the tile in this cell, with local indices.
	Triplets []Triplet[T]

	// Rows maps local row ids to global rows, and is used by Gather.
	Rows *sets.IndexMap[int]

	// Cols maps local column ids to global columns: first the columns of the strip owned by the tile, in
	// increasing order, then the non-local columns touched by the cell, in increasing order.
	Cols *sets.IndexMap[int]

	// NonLocalOwners and NonLocalIndices hold, for every non-local column (local ids SizeV-NonLocal to SizeV-1),
	// the tile owning the vector entry and the entry's index in the owner's local values of the strip.
	NonLocalOwners, NonLocalIndices []int

	// SizeU is the number of distinct rows. SizeV is the number of local vector entries: every column of the
	// strip owned by the tile, touched by the cell or not, plus the non-local columns. So SizeV is never
	// smaller than the number of owned columns, even for empty cells, and numLocal+NonLocal == SizeV.
	// NonLocal is the number of non-local columns.
	SizeU, SizeV, NonLocal int

	// rowSet and colSet are only used during preparation.
	rowSet, colSet sets.Set[int]
}

// Header is the fixed-size header at the start of every tile stream. The maxima allow the tile to allocate
// fixed-size buffers for any of its cells.
type Header struct {
	MaxSizeU, MaxSizeV, MaxWindowSize, MaxNonLocal int
	NumStrips                                      int
}

// tileStream is everything prepared for one tile.
type tileStream[T stream.Float] struct {
	cells []*Cell[T]

	// owned[k] maps global columns of strip k owned by the tile to their canonical local index, and ownedValues[k]
	// holds the corresponding vector values.
	owned       []*sets.IndexMap[int]
	ownedValues [][]T

	header Header
	blob   []byte
}

// WindowedStream is the per-tile stream of a sparse matrix and its companion vector.
//
// Configure it with the With* methods, then call Prepare. A stream that failed to prepare can't be used.
type WindowedStream[T stream.Float] struct {
	mesh       *mesh.Mesh
	pool       *workerspool.Pool
	progressFn func(tile int)

	stripSize, windowSize      int
	indexDType, tileIndexDType dtypes.DType
	valueDType                 dtypes.DType

	rows, cols         int
	numStrips, numWins int
	tiles              []*tileStream[T]
	prepared           bool
}

// New returns a WindowedStream for the tiles of m, with the default configuration.
func New[T stream.Float](m *mesh.Mesh) *WindowedStream[T] {
	return &WindowedStream[T]{
		mesh:           m,
		stripSize:      DefaultWindowDimension,
		windowSize:     DefaultWindowDimension,
		indexDType:     stream.TileIndexDType,
		tileIndexDType: stream.TileIndexDType,
		valueDType:     stream.DTypeOf[T](),
	}
}

// WithStripSize sets the number of columns per strip.
func (s *WindowedStream[T]) WithStripSize(stripSize int) *WindowedStream[T] {
	s.stripSize = stripSize
	return s
}

// WithWindowSize sets the number of rows per window.
func (s *WindowedStream[T]) WithWindowSize(windowSize int) *WindowedStream[T] {
	s.windowSize = windowSize
	return s
}

// WithIndexDType sets the unsigned integer dtype used for every integer field of the streams.
// It must match the tile index dtype.
func (s *WindowedStream[T]) WithIndexDType(indexDType dtypes.DType) *WindowedStream[T] {
	s.indexDType = indexDType
	return s
}

// WithTileIndexDType sets the integer dtype the tile-side consumer reads. Defaults to stream.TileIndexDType.
func (s *WindowedStream[T]) WithTileIndexDType(indexDType dtypes.DType) *WindowedStream[T] {
	s.tileIndexDType = indexDType
	return s
}

// WithValueDType sets the floating point dtype of the values in the streams (down and up).
// Defaults to the dtype of T. Using Float16 halves the size of the values on the wire.
func (s *WindowedStream[T]) WithValueDType(valueDType dtypes.DType) *WindowedStream[T] {
	s.valueDType = valueDType
	return s
}

// WithPool sets the pool used to prepare the tiles in parallel. Without a pool tiles are prepared sequentially.
func (s *WindowedStream[T]) WithPool(pool *workerspool.Pool) *WindowedStream[T] {
	s.pool = pool
	return s
}

// WithProgress sets a function called once per tile when its stream is ready.
// With a pool it may be called concurrently.
func (s *WindowedStream[T]) WithProgress(progressFn func(tile int)) *WindowedStream[T] {
	s.progressFn = progressFn
	return s
}

// validate checks every precondition of Prepare before anything is built.
func (s *WindowedStream[T]) validate(rows, cols int, images [][]Triplet[T], values []T, owners []int) error {
	if s.stripSize <= 0 || s.windowSize <= 0 {
		return stream.Preconditionf("strip size (%d) and window size (%d) must be positive", s.stripSize, s.windowSize)
	}
	if rows <= s.windowSize {
		return stream.Preconditionf("matrix has %d rows, it must have more than the window size %d", rows, s.windowSize)
	}
	if cols <= s.stripSize {
		return stream.Preconditionf("matrix has %d columns, it must have more than the strip size %d", cols, s.stripSize)
	}
	if err := stream.ValidateIndexDType(s.indexDType); err != nil {
		return err
	}
	if err := stream.ValidateValueDType(s.valueDType); err != nil {
		return err
	}
	if s.indexDType != s.tileIndexDType {
		return stream.Preconditionf("index dtype %s doesn't match the tile index dtype %s", s.indexDType, s.tileIndexDType)
	}
	numTiles := s.mesh.NumTiles()
	if len(images) != numTiles {
		return stream.Preconditionf("got %d triplet images, one per tile of %s (%d) required", len(images), s.mesh, numTiles)
	}
	if len(values) != cols || len(owners) != cols {
		return stream.Preconditionf("vector must have one value and one owner per column (%d), got %d values and %d owners",
			cols, len(values), len(owners))
	}
	for col, owner := range owners {
		if owner < 0 || owner >= numTiles {
			return stream.Preconditionf("owner %d of vector entry %d is not a tile of %s", owner, col, s.mesh)
		}
	}
	maxField := max(rows, cols, numTiles)
	for tile, image := range images {
		maxField = max(maxField, len(image))
		for ii, triplet := range image {
			if triplet.Row < 0 || triplet.Row >= rows || triplet.Col < 0 || triplet.Col >= cols {
				return stream.Preconditionf("triplet #%d of tile %d at (%d, %d) out of range for a %d×%d matrix",
					ii, tile, triplet.Row, triplet.Col, rows, cols)
			}
		}
	}
	if uint64(maxField) > stream.MaxIndex(s.indexDType) {
		return stream.Preconditionf("stream fields up to %d don't fit the index dtype %s", maxField, s.indexDType)
	}
	return nil
}

// Prepare builds the per-tile streams of a rows×cols sparse matrix, given the triplets owned by each tile
// (images[tile]) and the vector v (values and owning tile of each of its cols entries).
//
// The images are not modified.
func (s *WindowedStream[T]) Prepare(rows, cols int, images [][]Triplet[T], values []T, owners []int) error {
	s.prepared = false
	s.tiles = nil
	if err := s.validate(rows, cols, images, values, owners); err != nil {
		return err
	}
	s.rows, s.cols = rows, cols
	s.numStrips = (cols + s.stripSize - 1) / s.stripSize
	s.numWins = (rows + s.windowSize - 1) / s.windowSize
	numTiles := s.mesh.NumTiles()
	tiles := make([]*tileStream[T], numTiles)

	// Pass 1: classify every triplet into its cell.
	err := s.forEachTile(func(tile int) error {
		tiles[tile] = s.classify(images[tile])
		return nil
	})
	if err != nil {
		return err
	}

	// Local vector layout: owned columns of each strip, in increasing global order.
	for tile := range tiles {
		tiles[tile].owned = make([]*sets.IndexMap[int], s.numStrips)
		tiles[tile].ownedValues = make([][]T, s.numStrips)
		for k := range s.numStrips {
			tiles[tile].owned[k] = sets.MakeIndexMap[int]()
			tiles[tile].ownedValues[k] = []T{}
		}
	}
	for col, owner := range owners {
		k := col / s.stripSize
		tiles[owner].owned[k].Add(col)
		tiles[owner].ownedValues[k] = append(tiles[owner].ownedValues[k], values[col])
	}

	// Pass 2: localize indices, size the cells and serialize.
	err = s.forEachTile(func(tile int) error {
		ts := tiles[tile]
		s.localize(tile, ts, tiles, owners)
		blob, err := s.serialize(ts)
		if err != nil {
			return err
		}
		ts.blob = blob
		if s.progressFn != nil {
			s.progressFn(tile)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.tiles = tiles
	s.prepared = true
	if klog.V(1).Enabled() {
		var total int
		for _, ts := range tiles {
			total += len(ts.blob)
		}
		klog.Infof("sparse stream %d×%d on %s: %d strips × %d windows, %s of tile streams",
			rows, cols, s.mesh, s.numStrips, s.numWins, humanize.Bytes(uint64(total)))
	}
	if klog.V(2).Enabled() {
		for tile, ts := range tiles {
			klog.Infof("  tile %d: %+v, %s", tile, ts.header, humanize.Bytes(uint64(len(ts.blob))))
		}
	}
	return nil
}

func (s *WindowedStream[T]) forEachTile(fn func(tile int) error) error {
	if s.pool == nil {
		for tile := range s.mesh.NumTiles() {
			if err := fn(tile); err != nil {
				return err
			}
		}
		return nil
	}
	return s.pool.Run(s.mesh.NumTiles(), fn)
}

// cellIndex returns the flattened index of cell (strip, window).
func (s *WindowedStream[T]) cellIndex(strip, window int) int {
	return strip*s.numWins + window
}

// classify distributes the triplets of one tile into its cells, recording the rows and columns each cell touches.
func (s *WindowedStream[T]) classify(image []Triplet[T]) *tileStream[T] {
	ts := &tileStream[T]{cells: make([]*Cell[T], s.numStrips*s.numWins)}
	for strip := range s.numStrips {
		for window := range s.numWins {
			ts.cells[s.cellIndex(strip, window)] = &Cell[T]{
				Strip:  strip,
				Window: window,
				rowSet: sets.Make[int](),
				colSet: sets.Make[int](),
			}
		}
	}
	for _, triplet := range image {
		cell := ts.cells[s.cellIndex(triplet.Col/s.stripSize, triplet.Row/s.windowSize)]
		cell.Triplets = append(cell.Triplets, triplet)
		cell.rowSet.Insert(triplet.Row)
		cell.colSet.Insert(triplet.Col)
	}
	return ts
}

// localize builds the local row and column maps of every cell of a tile, rewrites its triplets to local ids and
// computes the tile header.
//
// Local ids are assigned in increasing global order, so streams are reproducible.
func (s *WindowedStream[T]) localize(tile int, ts *tileStream[T], tiles []*tileStream[T], owners []int) {
	header := Header{NumStrips: s.numStrips}
	for _, cell := range ts.cells {
		owned := ts.owned[cell.Strip]
		cell.Rows = sets.MakeIndexMap[int](cell.rowSet.Len())
		for _, row := range sets.Sorted(cell.rowSet) {
			cell.Rows.Add(row)
		}
		cell.Cols = owned.Clone()
		for _, col := range sets.Sorted(cell.colSet) {
			if owned.Has(col) {
				continue
			}
			owner := owners[col]
			ownerIdx, _ := tiles[owner].owned[cell.Strip].ID(col)
			cell.Cols.Add(col)
			cell.NonLocalOwners = append(cell.NonLocalOwners, owner)
			cell.NonLocalIndices = append(cell.NonLocalIndices, ownerIdx)
		}
		cell.SizeU = cell.Rows.Len()
		cell.SizeV = cell.Cols.Len()
		cell.NonLocal = cell.SizeV - owned.Len()
		for ii := range cell.Triplets {
			triplet := &cell.Triplets[ii]
			triplet.Row, _ = cell.Rows.ID(triplet.Row)
			triplet.Col, _ = cell.Cols.ID(triplet.Col)
		}
		cell.rowSet, cell.colSet = nil, nil

		header.MaxSizeU = max(header.MaxSizeU, cell.SizeU)
		header.MaxSizeV = max(header.MaxSizeV, cell.SizeV)
		header.MaxWindowSize = max(header.MaxWindowSize, len(cell.Triplets))
		header.MaxNonLocal = max(header.MaxNonLocal, cell.NonLocal)
	}
	ts.header = header
	if header.MaxWindowSize == 0 {
		klog.V(1).Infof("sparse stream: tile %d of %s owns no non-zeros", tile, s.mesh)
	}
}

func (s *WindowedStream[T]) mustBePrepared() {
	if !s.prepared {
		panic(stream.Preconditionf("sparse stream used before a successful Prepare"))
	}
}

// IsPrepared returns whether Prepare succeeded.
func (s *WindowedStream[T]) IsPrepared() bool { return s.prepared }

// Mesh returns the mesh the stream is laid out for.
func (s *WindowedStream[T]) Mesh() *mesh.Mesh { return s.mesh }

// Rows returns the number of rows of the streamed matrix.
func (s *WindowedStream[T]) Rows() int { return s.rows }

// Cols returns the number of columns of the streamed matrix.
func (s *WindowedStream[T]) Cols() int { return s.cols }

// NumStrips returns the number of strips, ceil(cols/stripSize).
func (s *WindowedStream[T]) NumStrips() int { return s.numStrips }

// NumWindows returns the number of windows per strip, ceil(rows/windowSize).
func (s *WindowedStream[T]) NumWindows() int { return s.numWins }

// StripSize returns the number of columns per strip.
func (s *WindowedStream[T]) StripSize() int { return s.stripSize }

// WindowSize returns the number of rows per window.
func (s *WindowedStream[T]) WindowSize() int { return s.windowSize }

// IndexDType returns the dtype of the integer fields of the streams.
func (s *WindowedStream[T]) IndexDType() dtypes.DType { return s.indexDType }

// ValueDType returns the dtype of the floating point fields of the streams.
func (s *WindowedStream[T]) ValueDType() dtypes.DType { return s.valueDType }

// Header returns the header of a tile stream. It panics if the stream is not prepared.
func (s *WindowedStream[T]) Header(tile int) Header {
	s.mustBePrepared()
	return s.tiles[tile].header
}

// Cells returns the cells of a tile, in stream order (strip by strip, window by window).
// It panics if the stream is not prepared.
func (s *WindowedStream[T]) Cells(tile int) []*Cell[T] {
	s.mustBePrepared()
	return s.tiles[tile].cells
}

// LocalValues returns the vector values of strip k owned by the tile, in local index order.
func (s *WindowedStream[T]) LocalValues(tile, strip int) []T {
	s.mustBePrepared()
	return s.tiles[tile].ownedValues[strip]
}

// Blob returns the serialized stream of a tile. It panics if the stream is not prepared.
func (s *WindowedStream[T]) Blob(tile int) []byte {
	s.mustBePrepared()
	return s.tiles[tile].blob
}

// RowMaps returns, for each cell of the tile in stream order, its local→global row map.
func (s *WindowedStream[T]) RowMaps(tile int) [][]int {
	s.mustBePrepared()
	cells := s.tiles[tile].cells
	maps := make([][]int, len(cells))
	for ii, cell := range cells {
		maps[ii] = cell.Rows.Keys()
	}
	return maps
}

// Channel returns a sealed down channel with the tile streams. Each tile stream is sent as a single chunk.
func (s *WindowedStream[T]) Channel() (*stream.Channel, error) {
	if !s.prepared {
		return nil, stream.Preconditionf("sparse stream Channel called before a successful Prepare")
	}
	blobs := make([][]byte, len(s.tiles))
	for tile, ts := range s.tiles {
		blobs[tile] = ts.blob
	}
	c := stream.NewDownChannel(stream.WrapArena(blobs))
	for tile, blob := range blobs {
		if err := c.SetTileSizes(tile, len(blob), len(blob)); err != nil {
			return nil, err
		}
	}
	c.Seal()
	return c, nil
}

// UpStreamElements returns the number of partial results a tile sends back: the sum of SizeU over its cells.
func (s *WindowedStream[T]) UpStreamElements(tile int) int {
	s.mustBePrepared()
	var total int
	for _, cell := range s.tiles[tile].cells {
		total += cell.SizeU
	}
	return total
}

// UpStreamChunkSize returns the up-stream chunk size of a tile in bytes: one cell worth of results.
//
// Channels can't be empty, so it is at least one value.
func (s *WindowedStream[T]) UpStreamChunkSize(tile int) int {
	return max(s.Header(tile).MaxSizeU, 1) * int(s.valueDType.Memory())
}

// UpStreamSize returns the up-stream total size of a tile in bytes.
//
// Channels can't be empty, so a tile without rows gets one value of padding, which Gather ignores.
func (s *WindowedStream[T]) UpStreamSize(tile int) int {
	return max(s.UpStreamElements(tile), 1) * int(s.valueDType.Memory())
}

// UpChannel returns an up channel sized for the partial results of every tile.
func (s *WindowedStream[T]) UpChannel() (*stream.Channel, error) {
	if !s.prepared {
		return nil, stream.Preconditionf("sparse stream UpChannel called before a successful Prepare")
	}
	c := stream.NewUpChannel(s.mesh.NumTiles())
	for tile := range s.mesh.NumTiles() {
		if err := c.SetTileSizes(tile, s.UpStreamChunkSize(tile), s.UpStreamSize(tile)); err != nil {
			return nil, err
		}
	}
	return c, nil
}
