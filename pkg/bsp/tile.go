// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bsp

import (
	"context"
	"io"
	"slices"

	"github.com/gomlx/tilestream/pkg/core/mesh"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/pkg/errors"
)

// Tile is the view a kernel has of its tile during a run. It must only be used by the kernel's goroutine.
type Tile struct {
	run       *run
	ctx       context.Context
	pid       int
	superstep int

	streams  []*hostStream
	messages []Message

	// gets are executed by this tile on the next Sync.
	gets []func() error

	// inbox[src] holds the puts from tile src into this tile, appended only by src and applied by this tile
	// on the next Sync.
	inbox [][]func() error
}

// Pid returns the id of the tile.
func (t *Tile) Pid() int { return t.pid }

// NProcs returns the number of tiles in the run.
func (t *Tile) NProcs() int { return len(t.run.tiles) }

// Mesh returns the mesh of the run.
func (t *Tile) Mesh() *mesh.Mesh { return t.run.mesh }

// Context returns the context of the run.
func (t *Tile) Context() context.Context { return t.ctx }

// Superstep returns the number of Sync calls completed so far.
func (t *Tile) Superstep() int { return t.superstep }

// Messages returns the messages the host sent to this tile before the run, in order.
func (t *Tile) Messages() []Message { return t.messages }

// Message returns the payload of the last message with the given tag.
func (t *Tile) Message(tag int) (payload []byte, found bool) {
	for _, msg := range slices.Backward(t.messages) {
		if msg.Tag == tag {
			return msg.Payload, true
		}
	}
	return nil, false
}

// Sync ends the current superstep: it waits for all tiles, performs every queued Get, waits again,
// then applies every Put targeting this tile, and waits a last time.
//
// Since all gets of a superstep are done before any put, a Get always sees the values from before the
// puts of the same superstep.
func (t *Tile) Sync() error {
	if err := t.wait(); err != nil {
		return err
	}
	gets := t.gets
	t.gets = nil
	for _, get := range gets {
		if err := get(); err != nil {
			return t.fail(err)
		}
	}
	if err := t.wait(); err != nil {
		return err
	}
	for src, puts := range t.inbox {
		for _, put := range puts {
			if err := put(); err != nil {
				return t.fail(err)
			}
		}
		t.inbox[src] = nil
	}
	if err := t.wait(); err != nil {
		return err
	}
	t.superstep++
	return nil
}

func (t *Tile) wait() error {
	if err := t.run.barrier.Wait(); err != nil {
		return errors.Wrapf(ErrAborted, "tile %d in superstep %d: %v", t.pid, t.superstep, err)
	}
	return nil
}

// fail aborts the run, since other tiles would wait forever for this one.
func (t *Tile) fail(err error) error {
	err = errors.WithMessagef(err, "tile %d in superstep %d", t.pid, t.superstep)
	t.run.barrier.Abort(err)
	return err
}

func (t *Tile) validateTile(pid int) error {
	if pid < 0 || pid >= t.NProcs() {
		return errors.Wrapf(ErrInvalidAccess, "tile %d out of range [0, %d)", pid, t.NProcs())
	}
	return nil
}

// Register makes buf accessible to Put and Get of other tiles under the given slot. Every tile that
// communicates through a slot must register its own variable on it. Registration is visible to the
// other tiles after the next Sync.
func Register[T any](t *Tile, slot int, buf []T) {
	t.run.register(t.pid, slot, buf)
}

// Put queues copying src into the variable registered on slot by tile dst, starting at offset.
// The src values are copied immediately: src can be reused right away. The copy happens on the next Sync.
func Put[T any](t *Tile, dst int, src []T, slot, offset int) error {
	if err := t.validateTile(dst); err != nil {
		return err
	}
	payload := slices.Clone(src)
	r := t.run
	dstTile := r.tiles[dst]
	dstTile.inbox[t.pid] = append(dstTile.inbox[t.pid], func() error {
		buf, err := lookup[T](r, dst, slot)
		if err != nil {
			return err
		}
		if offset < 0 || offset+len(payload) > len(buf) {
			return errors.Wrapf(ErrInvalidAccess, "put of %d values at offset %d into slot %d of tile %d, which has %d values",
				len(payload), offset, slot, dst, len(buf))
		}
		copy(buf[offset:], payload)
		return nil
	})
	return nil
}

// Get queues copying len(dst) values from the variable registered on slot by tile src, starting at offset,
// into dst. The copy happens on the next Sync: dst must not be used until then.
func Get[T any](t *Tile, src, slot, offset int, dst []T) error {
	if err := t.validateTile(src); err != nil {
		return err
	}
	r := t.run
	t.gets = append(t.gets, func() error {
		buf, err := lookup[T](r, src, slot)
		if err != nil {
			return err
		}
		if offset < 0 || offset+len(dst) > len(buf) {
			return errors.Wrapf(ErrInvalidAccess, "get of %d values at offset %d from slot %d of tile %d, which has %d values",
				len(dst), offset, slot, src, len(buf))
		}
		copy(dst, buf[offset:])
		return nil
	})
	return nil
}

func (t *Tile) openStream(id int, direction stream.Direction) (*hostStream, error) {
	if id < 0 || id >= len(t.streams) {
		return nil, errors.Wrapf(ErrInvalidAccess, "tile %d has no stream %d", t.pid, id)
	}
	s := t.streams[id]
	if s.direction != direction {
		return nil, errors.Wrapf(ErrInvalidAccess, "stream %d of tile %d is a %s stream, not %s", id, t.pid, s.direction, direction)
	}
	return s, nil
}

// DownStream reads a host-to-tile stream chunk by chunk.
type DownStream struct {
	s     *hostStream
	chunk int
}

// OpenDownStream opens the down stream with the given id, positioned at its first chunk.
func (t *Tile) OpenDownStream(id int) (*DownStream, error) {
	s, err := t.openStream(id, stream.Down)
	if err != nil {
		return nil, err
	}
	return &DownStream{s: s}, nil
}

// NumChunks returns the number of chunks of the stream. The last one may be shorter than the chunk size.
func (d *DownStream) NumChunks() int {
	return (d.s.totalSize + d.s.chunkSize - 1) / d.s.chunkSize
}

// ChunkSize returns the chunk size of the stream in bytes.
func (d *DownStream) ChunkSize() int { return d.s.chunkSize }

// TotalSize returns the size of the stream in bytes.
func (d *DownStream) TotalSize() int { return d.s.totalSize }

// Position returns the index of the chunk returned by the next call to Next.
func (d *DownStream) Position() int { return d.chunk }

// Next returns the next chunk, or io.EOF after the last one. The returned memory must not be modified.
func (d *DownStream) Next() ([]byte, error) {
	if d.chunk >= d.NumChunks() {
		return nil, io.EOF
	}
	start := d.chunk * d.s.chunkSize
	end := min(start+d.s.chunkSize, d.s.totalSize)
	d.chunk++
	return d.s.data[start:end:end], nil
}

// Seek moves the cursor so that the next call to Next returns the given chunk.
func (d *DownStream) Seek(chunk int) error {
	if chunk < 0 || chunk > d.NumChunks() {
		return errors.Wrapf(ErrInvalidAccess, "seek to chunk %d of a down stream with %d chunks", chunk, d.NumChunks())
	}
	d.chunk = chunk
	return nil
}

// Move moves the cursor by delta chunks, which may be negative.
func (d *DownStream) Move(delta int) error {
	return d.Seek(d.chunk + delta)
}

// UpStream writes a tile-to-host stream chunk by chunk.
type UpStream struct {
	s      *hostStream
	offset int
}

// OpenUpStream opens the up stream with the given id, positioned at its start.
func (t *Tile) OpenUpStream(id int) (*UpStream, error) {
	s, err := t.openStream(id, stream.Up)
	if err != nil {
		return nil, err
	}
	return &UpStream{s: s}, nil
}

// Push appends one chunk, of at most the chunk size, to the stream.
func (u *UpStream) Push(chunk []byte) error {
	if len(chunk) > u.s.chunkSize {
		return errors.Wrapf(ErrInvalidAccess, "pushed %d bytes into an up stream with chunk size %d", len(chunk), u.s.chunkSize)
	}
	if u.offset+len(chunk) > u.s.totalSize {
		return errors.Wrapf(ErrInvalidAccess, "pushed %d bytes at offset %d of an up stream of %d bytes",
			len(chunk), u.offset, u.s.totalSize)
	}
	copy(u.s.data[u.offset:], chunk)
	u.offset += len(chunk)
	return nil
}

// Written returns the number of bytes pushed so far.
func (u *UpStream) Written() int { return u.offset }
