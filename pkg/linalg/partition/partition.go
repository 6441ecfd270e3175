// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package partition distributes the non-zeros of a sparse matrix, and the entries of a vector, over the tiles
// of a mesh.
//
// These are simple, deterministic distributions, good enough to exercise the streams: they make no attempt to
// minimize communication.
package partition

import (
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/gomlx/tilestream/pkg/stream/sparse"
	"github.com/pkg/errors"
)

// Cyclic deals the triplets to numTiles tiles in turn: triplet i goes to tile i % numTiles.
func Cyclic[T stream.Float](triplets []sparse.Triplet[T], numTiles int) [][]sparse.Triplet[T] {
	images := make([][]sparse.Triplet[T], numTiles)
	perTile := (len(triplets) + numTiles - 1) / numTiles
	for tile := range images {
		images[tile] = make([]sparse.Triplet[T], 0, perTile)
	}
	for ii, triplet := range triplets {
		tile := ii % numTiles
		images[tile] = append(images[tile], triplet)
	}
	return images
}

// GreedyOwners assigns every vector entry j (column j of the matrix) to the tile holding the most non-zeros of
// column j, the lowest tile id winning ties. Entries of empty columns are assigned cyclically (j % numTiles).
func GreedyOwners[T stream.Float](images [][]sparse.Triplet[T], cols int) ([]int, error) {
	numTiles := len(images)
	if numTiles == 0 {
		return nil, errors.New("GreedyOwners requires at least one tile image")
	}
	counts := make([]int, cols*numTiles)
	for tile, image := range images {
		for _, triplet := range image {
			if triplet.Col < 0 || triplet.Col >= cols {
				return nil, errors.Errorf("triplet of tile %d in column %d, out of range for %d columns", tile, triplet.Col, cols)
			}
			counts[triplet.Col*numTiles+tile]++
		}
	}
	owners := make([]int, cols)
	for col := range owners {
		colCounts := counts[col*numTiles : (col+1)*numTiles]
		best := col % numTiles
		bestCount := 0
		for tile, count := range colCounts {
			if count > bestCount {
				best, bestCount = tile, count
			}
		}
		owners[col] = best
	}
	return owners, nil
}
