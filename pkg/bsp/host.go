// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bsp is an in-process bulk synchronous parallel runtime for the tiles of a mesh.
//
// The Host implements stream.Transport, so channels can be created on it, and runs a Kernel on every tile,
// each in its own goroutine. Tiles communicate with registered variables (Put and Get, delivered at the next
// Sync), read their down streams chunk by chunk and push results into their up streams.
package bsp

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilestream/pkg/core/mesh"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/gomlx/tilestream/pkg/support/xsync"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Kernel is the program run by every tile.
type Kernel func(ctx context.Context, t *Tile) error

// Message is a tagged payload sent by the host to a tile before a run.
type Message struct {
	Tag     int
	Payload []byte
}

// hostStream is one stream created on the host, either direction.
type hostStream struct {
	direction            stream.Direction
	data                 []byte
	totalSize, chunkSize int
}

// Host owns the streams and messages of every tile, and runs kernels on them.
type Host struct {
	mesh *mesh.Mesh

	mu       sync.Mutex
	streams  [][]*hostStream // Per tile, indexed by stream id.
	messages [][]Message     // Per tile, delivered on the next Run.
}

// Host implements stream.Transport.
var _ stream.Transport = (*Host)(nil)

// NewHost returns a Host for the tiles of m.
func NewHost(m *mesh.Mesh) *Host {
	return &Host{
		mesh:     m,
		streams:  make([][]*hostStream, m.NumTiles()),
		messages: make([][]Message, m.NumTiles()),
	}
}

// Mesh returns the mesh of tiles the host runs on.
func (h *Host) Mesh() *mesh.Mesh {
	return h.mesh
}

// NumTiles implements stream.Transport.
func (h *Host) NumTiles() int {
	return h.mesh.NumTiles()
}

func (h *Host) addStream(tile int, s *hostStream) (int, error) {
	if err := h.mesh.Validate(tile); err != nil {
		return 0, errors.Wrapf(ErrInvalidAccess, "%s stream: %v", s.direction, err)
	}
	if s.chunkSize <= 0 || s.chunkSize > s.totalSize {
		return 0, errors.Wrapf(ErrInvalidAccess, "%s stream for tile %d: invalid chunk size %d for total size %d",
			s.direction, tile, s.chunkSize, s.totalSize)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams[tile] = append(h.streams[tile], s)
	return len(h.streams[tile]) - 1, nil
}

// CreateDownStream implements stream.Transport. The data is referenced, not copied.
func (h *Host) CreateDownStream(tile int, data []byte, totalSize, chunkSize int) (int, error) {
	if len(data) != totalSize {
		return 0, errors.Wrapf(ErrInvalidAccess, "down stream for tile %d: %d bytes of data for a total size of %d",
			tile, len(data), totalSize)
	}
	return h.addStream(tile, &hostStream{direction: stream.Down, data: data, totalSize: totalSize, chunkSize: chunkSize})
}

// CreateUpStream implements stream.Transport.
func (h *Host) CreateUpStream(tile int, totalSize, chunkSize int) (int, []byte, error) {
	s := &hostStream{direction: stream.Up, data: make([]byte, max(totalSize, 0)), totalSize: totalSize, chunkSize: chunkSize}
	id, err := h.addStream(tile, s)
	if err != nil {
		return 0, nil, err
	}
	return id, s.data, nil
}

// SendDown queues a tagged message for the tile, delivered on the next Run.
func (h *Host) SendDown(tile, tag int, payload []byte) error {
	if err := h.mesh.Validate(tile); err != nil {
		return errors.Wrap(ErrInvalidAccess, err.Error())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[tile] = append(h.messages[tile], Message{Tag: tag, Payload: slices.Clone(payload)})
	return nil
}

// SendDownAll queues the same tagged message for every tile.
func (h *Host) SendDownAll(tag int, payload []byte) error {
	for tile := range h.NumTiles() {
		if err := h.SendDown(tile, tag, payload); err != nil {
			return err
		}
	}
	return nil
}

// Run executes kernel on every tile concurrently and waits for all of them.
//
// If any kernel fails (returns an error or panics), the tiles blocked in Sync are released with ErrAborted, and
// Run returns the error of the first tile that failed. Canceling ctx aborts the run the same way.
// Queued messages are consumed by Run.
func (h *Host) Run(ctx context.Context, kernel Kernel) error {
	numTiles := h.NumTiles()
	h.mu.Lock()
	messages := h.messages
	h.messages = make([][]Message, numTiles)
	streams := make([][]*hostStream, numTiles)
	for tile := range streams {
		streams[tile] = slices.Clone(h.streams[tile])
	}
	h.mu.Unlock()

	r := newRun(h.mesh, streams, messages)
	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() {
		r.barrier.Abort(errors.Wrapf(ErrAborted, "context done: %v", context.Cause(ctx)))
	})
	defer stop()
	for pid := range numTiles {
		g.Go(func() error {
			t := r.tiles[pid]
			t.ctx = ctx
			if err := runKernel(ctx, kernel, t); err != nil {
				err = errors.WithMessagef(err, "tile %d, superstep %d", pid, t.superstep)
				r.barrier.Abort(err)
				return err
			}
			r.barrier.Leave()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		klog.V(1).Infof("bsp run on %s finished", h.mesh)
		return nil
	}
	if cause := r.barrier.Err(); cause != nil {
		return cause
	}
	return err
}

// runKernel runs the kernel, converting panics into errors.
func runKernel(ctx context.Context, kernel Kernel, t *Tile) (err error) {
	exception := exceptions.Try(func() { err = kernel(ctx, t) })
	if exception == nil {
		return err
	}
	if e, ok := exception.(error); ok {
		return errors.WithMessage(e, "kernel panicked")
	}
	return errors.Errorf("kernel panicked: %v", exception)
}

// run holds the state shared by the tiles during one Host.Run.
type run struct {
	mesh    *mesh.Mesh
	barrier *xsync.Barrier
	tiles   []*Tile

	// registry[tile][slot] is a registered variable, a slice of some type.
	registryMu sync.RWMutex
	registry   []map[int]any
}

func newRun(m *mesh.Mesh, streams [][]*hostStream, messages [][]Message) *run {
	numTiles := m.NumTiles()
	r := &run{
		mesh:     m,
		barrier:  xsync.NewBarrier(numTiles),
		tiles:    make([]*Tile, numTiles),
		registry: make([]map[int]any, numTiles),
	}
	for pid := range numTiles {
		r.registry[pid] = make(map[int]any)
		r.tiles[pid] = &Tile{
			run:      r,
			pid:      pid,
			streams:  streams[pid],
			messages: messages[pid],
			inbox:    make([][]func() error, numTiles),
		}
	}
	return r
}

func (r *run) register(pid, slot int, buf any) {
	r.registryMu.Lock()
	defer r.registryMu.Unlock()
	r.registry[pid][slot] = buf
}

// lookup returns the variable registered by tile pid on slot, which must be of type []T.
func lookup[T any](r *run, pid, slot int) ([]T, error) {
	r.registryMu.RLock()
	defer r.registryMu.RUnlock()
	v, found := r.registry[pid][slot]
	if !found {
		return nil, errors.Wrapf(ErrInvalidAccess, "tile %d has no variable registered on slot %d", pid, slot)
	}
	buf, ok := v.([]T)
	if !ok {
		var zero T
		return nil, errors.Wrapf(ErrInvalidAccess, "variable on slot %d of tile %d is %T, not []%T", slot, pid, v, zero)
	}
	return buf, nil
}
