// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stream

import (
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Transport is the host side of the external transport that moves chunks between the host and the tiles.
//
// Stream ids are assigned per tile by the transport, in creation order.
type Transport interface {
	// NumTiles returns the number of tiles the transport serves.
	NumTiles() int

	// CreateDownStream opens a host-to-tile stream backed by data, which must hold totalSize bytes.
	// The tile reads it in units of chunkSize bytes.
	CreateDownStream(tile int, data []byte, totalSize, chunkSize int) (streamID int, err error)

	// CreateUpStream opens a tile-to-host stream of totalSize bytes written in units of chunkSize bytes.
	// The returned memory is owned by the transport: the host only reads it after the tiles are done.
	CreateUpStream(tile int, totalSize, chunkSize int) (streamID int, data []byte, err error)
}

// Channel is a chunked, unidirectional stream with one endpoint per tile.
//
// Down channels are created from pre-filled per-tile buffers, which must be sealed (finalized) before Create.
// Up channels get their memory from the Transport on Create.
type Channel struct {
	id        string
	direction Direction
	numTiles  int

	chunkSizes, totalSizes []int
	streamIDs              []int

	buffers *Arena[byte]
	sealed  bool
	created bool
}

// NewDownChannel returns a down channel whose tile t is backed by buffers.Tile(t).
func NewDownChannel(buffers *Arena[byte]) *Channel {
	c := newChannel(Down, buffers.NumTiles())
	c.buffers = buffers
	return c
}

// NewUpChannel returns an up channel for numTiles tiles.
func NewUpChannel(numTiles int) *Channel {
	return newChannel(Up, numTiles)
}

func newChannel(direction Direction, numTiles int) *Channel {
	return &Channel{
		id:         uuid.NewString(),
		direction:  direction,
		numTiles:   numTiles,
		chunkSizes: make([]int, numTiles),
		totalSizes: make([]int, numTiles),
	}
}

// ID returns a unique identifier of the channel, used in logs.
func (c *Channel) ID() string {
	return c.id
}

// Direction of the channel.
func (c *Channel) Direction() Direction {
	return c.direction
}

// NumTiles returns the number of tile endpoints of the channel.
func (c *Channel) NumTiles() int {
	return c.numTiles
}

// SetChunkSize sets the chunk size, in bytes, of every tile endpoint.
func (c *Channel) SetChunkSize(chunkSize int) {
	for tile := range c.chunkSizes {
		c.chunkSizes[tile] = chunkSize
	}
}

// SetTotalSize sets the total size, in bytes, of every tile endpoint.
func (c *Channel) SetTotalSize(totalSize int) {
	for tile := range c.totalSizes {
		c.totalSizes[tile] = totalSize
	}
}

// SetTileSizes sets the chunk and total sizes, in bytes, of one tile endpoint.
func (c *Channel) SetTileSizes(tile, chunkSize, totalSize int) error {
	if tile < 0 || tile >= c.numTiles {
		return errors.Errorf("tile %d out of range for channel with %d tiles", tile, c.numTiles)
	}
	c.chunkSizes[tile] = chunkSize
	c.totalSizes[tile] = totalSize
	return nil
}

// ChunkSize returns the chunk size, in bytes, of the given tile endpoint.
func (c *Channel) ChunkSize(tile int) int {
	return c.chunkSizes[tile]
}

// TotalSize returns the total size, in bytes, of the given tile endpoint.
func (c *Channel) TotalSize(tile int) int {
	return c.totalSizes[tile]
}

// Seal marks the buffers of a down channel as final. Create fails on down channels that are not sealed.
func (c *Channel) Seal() {
	c.sealed = true
}

// IsCreated returns whether Create succeeded for this channel.
func (c *Channel) IsCreated() bool {
	return c.created
}

// StreamID returns the transport stream id of the given tile endpoint, after Create.
func (c *Channel) StreamID(tile int) int {
	return c.streamIDs[tile]
}

// Buffers returns the per-tile buffers: for down channels the buffers given at construction, for up
// channels the transport memory, available after Create.
func (c *Channel) Buffers() *Arena[byte] {
	return c.buffers
}

// validate checks every precondition of Create, so that nothing is handed to the transport if any tile is
// misconfigured.
func (c *Channel) validate(transport Transport) error {
	if c.created {
		return Preconditionf("%s channel %s was already created", c.direction, c.id)
	}
	if transport.NumTiles() != c.numTiles {
		return Preconditionf("%s channel %s has %d tiles, but the transport serves %d tiles",
			c.direction, c.id, c.numTiles, transport.NumTiles())
	}
	for tile := range c.numTiles {
		chunk, total := c.chunkSizes[tile], c.totalSizes[tile]
		if chunk <= 0 || total <= 0 {
			return Preconditionf("%s channel %s tile %d: chunk size (%d) and total size (%d) must be set to positive values",
				c.direction, c.id, tile, chunk, total)
		}
		if chunk > total {
			return Preconditionf("%s channel %s tile %d: chunk size %d larger than total size %d",
				c.direction, c.id, tile, chunk, total)
		}
	}
	if c.direction == Down {
		if !c.sealed {
			return Preconditionf("down channel %s: buffers must be sealed before the channel is created", c.id)
		}
		for tile := range c.numTiles {
			if c.buffers.TileSize(tile) != c.totalSizes[tile] {
				return Preconditionf("down channel %s tile %d: buffer has %d bytes, total size is %d",
					c.id, tile, c.buffers.TileSize(tile), c.totalSizes[tile])
			}
		}
	}
	return nil
}

// Create opens one stream per tile on the transport.
func (c *Channel) Create(transport Transport) error {
	if err := c.validate(transport); err != nil {
		return err
	}
	c.streamIDs = make([]int, c.numTiles)
	var upBuffers [][]byte
	if c.direction == Up {
		upBuffers = make([][]byte, c.numTiles)
	}
	for tile := range c.numTiles {
		var err error
		if c.direction == Down {
			c.streamIDs[tile], err = transport.CreateDownStream(tile, c.buffers.Tile(tile), c.totalSizes[tile], c.chunkSizes[tile])
		} else {
			c.streamIDs[tile], upBuffers[tile], err = transport.CreateUpStream(tile, c.totalSizes[tile], c.chunkSizes[tile])
			if err == nil && len(upBuffers[tile]) != c.totalSizes[tile] {
				err = errors.Errorf("transport returned %d bytes for an up stream of %d bytes",
					len(upBuffers[tile]), c.totalSizes[tile])
			}
		}
		if err != nil {
			return errors.WithMessagef(err, "failed to create %s stream for tile %d of channel %s", c.direction, tile, c.id)
		}
	}
	if c.direction == Up {
		c.buffers = WrapArena(upBuffers)
	}
	c.created = true
	if klog.V(1).Enabled() {
		var total int
		for _, size := range c.totalSizes {
			total += size
		}
		klog.Infof("created %s channel %s: %d tiles, %s in total", c.direction, c.id, c.numTiles,
			humanize.Bytes(uint64(total)))
	}
	return nil
}
