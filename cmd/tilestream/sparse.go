// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilestream/internal/workerspool"
	"github.com/gomlx/tilestream/pkg/bsp"
	"github.com/gomlx/tilestream/pkg/core/mesh"
	"github.com/gomlx/tilestream/pkg/kernels"
	"github.com/gomlx/tilestream/pkg/linalg/partition"
	"github.com/gomlx/tilestream/pkg/stream/sparse"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// randomSparse returns the triplets of a random rows×cols matrix and a random vector of cols entries.
func randomSparse(rows, cols int, density float64, seed uint64) ([]sparse.Triplet[float32], []float32) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	var triplets []sparse.Triplet[float32]
	for i := range rows {
		for j := range cols {
			if rng.Float64() < density {
				triplets = append(triplets, sparse.Triplet[float32]{Row: i, Col: j, Value: rng.Float32()*2 - 1})
			}
		}
	}
	v := make([]float32, cols)
	for j := range v {
		v[j] = rng.Float32()
	}
	return triplets, v
}

func runSparse(ctx context.Context, m *mesh.Mesh, pool *workerspool.Pool) {
	rows, cols := *flagRows, *flagCols
	triplets, v := randomSparse(rows, cols, *flagDensity, *flagSeed)
	images := partition.Cyclic(triplets, m.NumTiles())
	owners := must.M1(partition.GreedyOwners(images, cols))
	klog.V(1).Infof("random %d×%d matrix with %s non-zeros", rows, cols, humanize.Comma(int64(len(triplets))))

	bar := progressbar.NewOptions(m.NumTiles(),
		progressbar.OptionSetDescription("preparing tile streams"),
		progressbar.OptionSetItsString("tiles"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	s := sparse.New[float32](m).
		WithStripSize(*flagStrip).
		WithWindowSize(*flagWindow).
		WithValueDType(parseValueDType(*flagValues)).
		WithPool(pool).
		WithProgress(func(int) { _ = bar.Add(1) })
	start := time.Now()
	if err := s.Prepare(rows, cols, images, v, owners); err != nil {
		klog.Exitf("Failed to prepare the sparse stream: %+v", err)
	}
	prepareTime := time.Since(start)
	_ = bar.Finish()
	fmt.Println()

	host := bsp.NewHost(m)
	down, up := must.M1(s.Channel()), must.M1(s.UpChannel())
	must.M(down.Create(host))
	must.M(up.Create(host))
	start = time.Now()
	if err := host.Run(ctx, kernels.SpMV[float32](down, up, s.IndexDType(), s.ValueDType())); err != nil {
		klog.Exitf("SpMV failed: %+v", err)
	}
	runTime := time.Since(start)
	u := make([]float32, rows)
	must.M(s.GatherFunc(u, up.Buffers(), sparse.Accumulate[float32]))

	want := make([]float64, rows)
	for _, triplet := range triplets {
		want[triplet.Row] += float64(triplet.Value) * float64(v[triplet.Col])
	}
	var maxError float64
	for i, value := range u {
		maxError = max(maxError, math.Abs(float64(value)-want[i]))
	}

	summary := newPlainTable()
	summary.Row("mesh", m.String())
	summary.Row("matrix", fmt.Sprintf("%s×%s", humanize.Comma(int64(rows)), humanize.Comma(int64(cols))))
	summary.Row("non-zeros", humanize.Comma(int64(len(triplets))))
	summary.Row("strips × windows", fmt.Sprintf("%d × %d", s.NumStrips(), s.NumWindows()))
	summary.Row("wire dtypes", fmt.Sprintf("%s / %s", s.IndexDType(), s.ValueDType()))
	summary.Row("prepare time", prepareTime.String())
	summary.Row("run time", runTime.String())
	summary.Row("max abs error", fmt.Sprintf("%.3g", maxError))
	fmt.Println(titleStyle.Render("Sparse matrix-vector product"))
	fmt.Println(summary.Render())

	if *flagReport {
		fmt.Println(titleStyle.Render("Tile streams"))
		fmt.Println(tileReport(s, images).Render())
	}
}
