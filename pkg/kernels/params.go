// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels holds the tile programs that consume the streams of pkg/stream: Cannon's dense matrix
// multiplication and the windowed sparse matrix-vector product.
//
// Kernels run on a bsp.Host, one goroutine per tile.
package kernels

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilestream/pkg/bsp"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/pkg/errors"
)

// Tags of the parameter messages the host sends to the Cannon kernel.
const (
	TagInnerBlockSize = iota
	TagOuterBlocks
	TagMeshSide
)

// EncodeParam encodes an integer parameter as a message payload, using the tile index dtype.
func EncodeParam(value int) ([]byte, error) {
	w, err := stream.NewWriter(stream.TileIndexDType, dtypes.Float32)
	if err != nil {
		return nil, err
	}
	w.Index(value)
	return w.Bytes()
}

// SendParams sends the given tagged integer parameters to every tile of the host.
func SendParams(host *bsp.Host, params map[int]int) error {
	for tag, value := range params {
		payload, err := EncodeParam(value)
		if err != nil {
			return errors.WithMessagef(err, "encoding parameter with tag %d", tag)
		}
		if err := host.SendDownAll(tag, payload); err != nil {
			return err
		}
	}
	return nil
}

// param reads an integer parameter sent with SendParams.
func param(t *bsp.Tile, tag int) (int, error) {
	payload, found := t.Message(tag)
	if !found {
		return 0, errors.Errorf("tile %d: parameter with tag %d was not sent", t.Pid(), tag)
	}
	r, err := stream.NewReader(payload, stream.TileIndexDType, dtypes.Float32)
	if err != nil {
		return 0, err
	}
	value := r.Index()
	if r.Err() == nil && r.Remaining() != 0 {
		return 0, stream.FormatMismatchf("parameter with tag %d has %d trailing bytes", tag, r.Remaining())
	}
	return value, r.Err()
}
