// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bsp_test

import (
	"context"
	"io"
	"testing"

	"github.com/gomlx/tilestream/pkg/bsp"
	"github.com/gomlx/tilestream/pkg/core/mesh"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/gomlx/tilestream/pkg/support/xsync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing(t *testing.T) {
	host := bsp.NewHost(mesh.Default())
	results := make([][]int, 16)
	err := host.Run(context.Background(), func(ctx context.Context, tile *bsp.Tile) error {
		pid, n := tile.Pid(), tile.NProcs()
		received := make([]int, 2)
		bsp.Register(tile, 0, received)
		if err := tile.Sync(); err != nil {
			return err
		}
		// Send my id to the next tile, and read the id of the previous tile's right neighbour.
		if err := bsp.Put(tile, (pid+1)%n, []int{pid}, 0, 0); err != nil {
			return err
		}
		if err := tile.Sync(); err != nil {
			return err
		}
		// received[0] now holds the id of the previous tile: Get it back from the next tile, which holds mine.
		got := make([]int, 1)
		if err := bsp.Get(tile, (pid+1)%n, 0, 0, got); err != nil {
			return err
		}
		if err := tile.Sync(); err != nil {
			return err
		}
		received[1] = got[0]
		results[pid] = received
		assert.Equal(t, 3, tile.Superstep())
		return nil
	})
	require.NoError(t, err)
	for pid, received := range results {
		assert.Equal(t, []int{(pid + 15) % 16, pid}, received)
	}
}

func TestGetBeforePut(t *testing.T) {
	host := bsp.NewHost(mesh.Default())
	err := host.Run(context.Background(), func(ctx context.Context, tile *bsp.Tile) error {
		value := []float32{float32(tile.Pid())}
		bsp.Register(tile, 1, value)
		if err := tile.Sync(); err != nil {
			return err
		}
		// Everyone overwrites its neighbour's value and reads it in the same superstep.
		neighbour := (tile.Pid() + 1) % tile.NProcs()
		got := make([]float32, 1)
		if err := bsp.Get(tile, neighbour, 1, 0, got); err != nil {
			return err
		}
		if err := bsp.Put(tile, neighbour, []float32{-1}, 1, 0); err != nil {
			return err
		}
		if err := tile.Sync(); err != nil {
			return err
		}
		if got[0] != float32(neighbour) || value[0] != -1 {
			return errors.Errorf("tile %d: got %v, value %v", tile.Pid(), got, value)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestStreams(t *testing.T) {
	host := bsp.NewHost(mesh.Default())
	down := stream.NewUniformArena[byte](16, 10)
	for tile := range 16 {
		for ii := range 10 {
			down.Tile(tile)[ii] = byte(tile*10 + ii)
		}
	}
	downChannel := stream.NewDownChannel(down)
	downChannel.SetChunkSize(4)
	downChannel.SetTotalSize(10)
	downChannel.Seal()
	require.NoError(t, downChannel.Create(host))

	upChannel := stream.NewUpChannel(16)
	upChannel.SetChunkSize(2)
	upChannel.SetTotalSize(6)
	require.NoError(t, upChannel.Create(host))
	require.NoError(t, host.SendDownAll(7, []byte{42}))
	require.NoError(t, host.SendDown(3, 8, []byte{1, 2}))

	err := host.Run(context.Background(), func(ctx context.Context, tile *bsp.Tile) error {
		in, err := tile.OpenDownStream(downChannel.StreamID(tile.Pid()))
		if err != nil {
			return err
		}
		out, err := tile.OpenUpStream(upChannel.StreamID(tile.Pid()))
		if err != nil {
			return err
		}
		if in.NumChunks() != 3 {
			return errors.Errorf("%d chunks", in.NumChunks())
		}
		// Read the last chunk first, then the first two.
		if err := in.Seek(2); err != nil {
			return err
		}
		last, err := in.Next()
		if err != nil {
			return err
		}
		if _, err := in.Next(); err != io.EOF {
			return errors.Errorf("expected EOF, got %v", err)
		}
		if err := in.Move(-3); err != nil {
			return err
		}
		first, err := in.Next()
		if err != nil {
			return err
		}
		if err := out.Push(first[:2]); err != nil {
			return err
		}
		if err := out.Push(last); err != nil {
			return err
		}
		payload, found := tile.Message(7)
		if !found {
			return errors.New("message 7 missing")
		}
		if err := out.Push(payload); err != nil {
			return err
		}
		// Overflows are rejected.
		if err := out.Push([]byte{1, 2}); !errors.Is(err, bsp.ErrInvalidAccess) {
			return errors.Errorf("expected an invalid access, got %v", err)
		}
		if _, found := tile.Message(8); found != (tile.Pid() == 3) {
			return errors.Errorf("message 8 found=%v", found)
		}
		return nil
	})
	require.NoError(t, err)
	for tile := range 16 {
		b := byte(tile * 10)
		assert.Equal(t, []byte{b, b + 1, b + 8, b + 9, 42, 0}, upChannel.Buffers().Tile(tile))
	}

	// Messages are consumed by the run.
	require.NoError(t, host.Run(context.Background(), func(ctx context.Context, tile *bsp.Tile) error {
		if len(tile.Messages()) != 0 {
			return errors.New("messages delivered twice")
		}
		return nil
	}))
}

func TestFailures(t *testing.T) {
	host := bsp.NewHost(mesh.Default())
	cause := errors.New("tile 5 failed")

	t.Run("Error", func(t *testing.T) {
		err := host.Run(context.Background(), func(ctx context.Context, tile *bsp.Tile) error {
			if tile.Pid() == 5 {
				return cause
			}
			for range 3 {
				if err := tile.Sync(); err != nil {
					assert.ErrorIs(t, err, bsp.ErrAborted)
					return err
				}
			}
			return nil
		})
		require.ErrorIs(t, err, cause)
	})

	t.Run("Panic", func(t *testing.T) {
		err := host.Run(context.Background(), func(ctx context.Context, tile *bsp.Tile) error {
			if err := tile.Sync(); err != nil {
				return err
			}
			if tile.Pid() == 2 {
				panic("kaboom")
			}
			return tile.Sync()
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaboom")
		assert.Contains(t, err.Error(), "tile 2")
	})

	t.Run("SyncMismatch", func(t *testing.T) {
		err := host.Run(context.Background(), func(ctx context.Context, tile *bsp.Tile) error {
			if tile.Pid() == 0 {
				return nil
			}
			return tile.Sync()
		})
		require.ErrorIs(t, err, xsync.ErrLeftEarly)
	})

	t.Run("InvalidAccess", func(t *testing.T) {
		err := host.Run(context.Background(), func(ctx context.Context, tile *bsp.Tile) error {
			bsp.Register(tile, 0, make([]float64, 4))
			if err := tile.Sync(); err != nil {
				return err
			}
			if tile.Pid() == 1 {
				// Wrong type.
				if err := bsp.Get(tile, 0, 0, 0, make([]float32, 1)); err != nil {
					return err
				}
			}
			return tile.Sync()
		})
		require.ErrorIs(t, err, bsp.ErrInvalidAccess)

		err = host.Run(context.Background(), func(ctx context.Context, tile *bsp.Tile) error {
			return bsp.Put(tile, 16, []int{1}, 0, 0)
		})
		require.ErrorIs(t, err, bsp.ErrInvalidAccess)

		err = host.Run(context.Background(), func(ctx context.Context, tile *bsp.Tile) error {
			_, err := tile.OpenUpStream(100)
			return err
		})
		require.ErrorIs(t, err, bsp.ErrInvalidAccess)
	})

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		err := host.Run(ctx, func(ctx context.Context, tile *bsp.Tile) error {
			if tile.Pid() == 0 {
				cancel()
				<-ctx.Done()
				return ctx.Err()
			}
			return tile.Sync()
		})
		require.Error(t, err)
	})
}

func TestHostStreamsValidation(t *testing.T) {
	host := bsp.NewHost(mesh.Default())
	_, err := host.CreateDownStream(16, make([]byte, 4), 4, 4)
	require.ErrorIs(t, err, bsp.ErrInvalidAccess)
	_, err = host.CreateDownStream(0, make([]byte, 3), 4, 4)
	require.ErrorIs(t, err, bsp.ErrInvalidAccess)
	_, _, err = host.CreateUpStream(0, 4, 8)
	require.ErrorIs(t, err, bsp.ErrInvalidAccess)
	id, data, err := host.CreateUpStream(0, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, id)
	assert.Len(t, data, 8)
	id, err = host.CreateDownStream(0, make([]byte, 4), 4, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, id, "stream ids are per tile, in creation order")
	require.ErrorIs(t, host.SendDown(-1, 0, nil), bsp.ErrInvalidAccess)
}
