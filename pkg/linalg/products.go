// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"context"
	"time"

	"github.com/gomlx/tilestream/pkg/bsp"
	"github.com/gomlx/tilestream/pkg/kernels"
	"github.com/gomlx/tilestream/pkg/linalg/partition"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/gomlx/tilestream/pkg/stream/dense"
	"github.com/gomlx/tilestream/pkg/stream/sparse"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Multiply dispatches on the kinds of its operands:
//
//   - DenseMatrix × DenseMatrix: MatMul (Cannon's algorithm), returns a *DenseMatrix[T].
//   - SparseMatrix × Vector: SpMV, returns a *Vector[T].
//
// Any other combination returns ErrUnsupportedOperation.
func Multiply[T stream.Float](ctx context.Context, e *Engine, lhs, rhs Operand[T]) (Operand[T], error) {
	switch l := lhs.(type) {
	case *DenseMatrix[T]:
		if r, ok := rhs.(*DenseMatrix[T]); ok {
			c, err := MatMul(ctx, e, l, r)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	case *SparseMatrix[T]:
		if r, ok := rhs.(*Vector[T]); ok {
			u, err := SpMV(ctx, e, l, r)
			if err != nil {
				return nil, err
			}
			return u, nil
		}
	}
	return nil, errors.Wrapf(ErrUnsupportedOperation, "multiplying %s by %s", lhs, rhs)
}

// createChannels creates the channels on the host, in order: stream ids are assigned in creation order.
func createChannels(host *bsp.Host, channels ...*stream.Channel) error {
	for _, c := range channels {
		if err := c.Create(host); err != nil {
			return err
		}
	}
	return nil
}

// MatMul computes a·b with Cannon's algorithm on a local BSP host.
func MatMul[T stream.Float](ctx context.Context, e *Engine, a, b *DenseMatrix[T]) (*DenseMatrix[T], error) {
	if a.n != b.n {
		return nil, stream.Preconditionf("MatMul of %d×%d by %d×%d matrices: only matrices of the same size are supported",
			a.n, a.n, b.n, b.n)
	}
	start := time.Now()
	aStream, err := a.UpdateStream(e)
	if err != nil {
		return nil, errors.WithMessage(err, "streaming the left operand")
	}
	// Channels hold encoded copies of the tile buffers: a and b may share the same stream.
	aChannel, err := aStream.Channel()
	if err != nil {
		return nil, err
	}
	bStream, err := b.UpdateStream(e)
	if err != nil {
		return nil, errors.WithMessage(err, "streaming the right operand")
	}
	if err := bStream.SetOrientation(dense.RightHanded); err != nil {
		return nil, err
	}
	bChannel, err := bStream.Channel()
	if resetErr := bStream.SetOrientation(dense.LeftHanded); err == nil {
		err = resetErr
	}
	if err != nil {
		return nil, err
	}
	cChannel, err := aStream.UpChannel()
	if err != nil {
		return nil, err
	}

	host := bsp.NewHost(e.mesh)
	if err := createChannels(host, aChannel, bChannel, cChannel); err != nil {
		return nil, err
	}
	err = kernels.SendParams(host, map[int]int{
		kernels.TagInnerBlockSize: aStream.InnerBlockSize(),
		kernels.TagOuterBlocks:    aStream.OuterBlocks(),
		kernels.TagMeshSide:       e.mesh.Side(),
	})
	if err != nil {
		return nil, err
	}
	if err := host.Run(ctx, kernels.Cannon[T](aChannel, bChannel, cChannel)); err != nil {
		return nil, errors.WithMessage(err, "running Cannon's kernel")
	}
	c, err := NewDenseFromUpStream[T](e, a.n, cChannel.Buffers())
	if err != nil {
		return nil, errors.WithMessage(err, "gathering the product")
	}
	klog.V(1).Infof("MatMul %d×%d on %s: %s", a.n, a.n, e.mesh, time.Since(start))
	return c, nil
}

// SpMV computes u = a·v on a local BSP host.
//
// If v has no owners assigned, each entry is assigned to the tile holding the most non-zeros of its column
// (see partition.GreedyOwners), and recorded in v.
func SpMV[T stream.Float](ctx context.Context, e *Engine, a *SparseMatrix[T], v *Vector[T]) (*Vector[T], error) {
	if v.Len() != a.cols {
		return nil, stream.Preconditionf("SpMV of a %d×%d matrix by a vector of length %d", a.rows, a.cols, v.Len())
	}
	start := time.Now()
	images := a.Images(e.mesh.NumTiles())
	if v.owners == nil {
		owners, err := partition.GreedyOwners(images, a.cols)
		if err != nil {
			return nil, err
		}
		if err := v.Reassign(owners); err != nil {
			return nil, err
		}
	}
	s := newSparseStream[T](e)
	if err := s.Prepare(a.rows, a.cols, images, v.values, v.owners); err != nil {
		return nil, errors.WithMessage(err, "preparing the sparse stream")
	}
	down, err := s.Channel()
	if err != nil {
		return nil, err
	}
	up, err := s.UpChannel()
	if err != nil {
		return nil, err
	}
	host := bsp.NewHost(e.mesh)
	if err := createChannels(host, down, up); err != nil {
		return nil, err
	}
	if err := host.Run(ctx, kernels.SpMV[T](down, up, s.IndexDType(), s.ValueDType())); err != nil {
		return nil, errors.WithMessage(err, "running the SpMV kernel")
	}
	u := make([]T, a.rows)
	if err := s.GatherFunc(u, up.Buffers(), sparse.Accumulate[T]); err != nil {
		return nil, err
	}
	klog.V(1).Infof("SpMV %d×%d (%d non-zeros) on %s: %s", a.rows, a.cols, a.NNZ(), e.mesh, time.Since(start))
	return NewVector(u), nil
}
