// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"context"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilestream/pkg/bsp"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/gomlx/tilestream/pkg/stream/sparse"
	"github.com/pkg/errors"
)

// SpMV returns the kernel computing the partial products u = A·v of a windowed sparse stream.
//
// Every tile reads its whole stream from down, registers the vector values it owns (one slot per strip), and
// walks its windows in stream order: it fetches the non-local vector entries of the window from their owners,
// multiplies, and pushes the window's SizeU partial results to up. All tiles have the same number of windows,
// so they Sync in lockstep, once per window.
func SpMV[T stream.Float](down, up *stream.Channel, indexDType, valueDType dtypes.DType) bsp.Kernel {
	return func(ctx context.Context, t *bsp.Tile) error {
		pid := t.Pid()
		in, err := t.OpenDownStream(down.StreamID(pid))
		if err != nil {
			return err
		}
		out, err := t.OpenUpStream(up.StreamID(pid))
		if err != nil {
			return err
		}
		blob, err := in.Next()
		if err != nil {
			return errors.WithMessage(err, "reading sparse stream")
		}
		ts, err := sparse.Decode[T](blob, indexDType, valueDType)
		if err != nil {
			return err
		}
		for k, strip := range ts.Strips {
			bsp.Register(t, k, strip.LocalValues)
		}
		if err := t.Sync(); err != nil {
			return err
		}

		v := make([]T, 0, ts.MaxSizeV)
		u := make([]T, ts.MaxSizeU)
		for k, strip := range ts.Strips {
			for _, window := range strip.Windows {
				if err := ctx.Err(); err != nil {
					return err
				}
				numLocal := len(strip.LocalValues)
				v = append(v[:0], strip.LocalValues...)
				v = v[:numLocal+len(window.NonLocalOwners)]
				for ii, owner := range window.NonLocalOwners {
					if err := bsp.Get(t, owner, k, window.NonLocalIndices[ii], v[numLocal+ii:numLocal+ii+1]); err != nil {
						return err
					}
				}
				if err := t.Sync(); err != nil {
					return err
				}
				if window.SizeU == 0 {
					continue
				}
				partial := u[:window.SizeU]
				clear(partial)
				for ii, row := range window.Rows {
					partial[row] += window.Values[ii] * v[window.Cols[ii]]
				}
				w, err := stream.NewWriter(indexDType, valueDType)
				if err != nil {
					return err
				}
				stream.WriteValues(w, partial)
				chunk, err := w.Bytes()
				if err != nil {
					return err
				}
				if err := out.Push(chunk); err != nil {
					return err
				}
			}
		}
		return nil
	}
}
