// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tilestream runs distributed products on a local mesh of tiles, and reports on the streams built for them.
//
// With -mode=dense it multiplies two n×n matrices (A[i][j]=i, B[i][j]=j) with Cannon's algorithm and prints
// C[n-1][n-1]. With -mode=sparse it builds a random sparse matrix, prepares its windowed stream, runs the
// sparse matrix-vector product, checks it against a sequential product and prints a per-tile stream report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilestream/internal/workerspool"
	"github.com/gomlx/tilestream/pkg/core/mesh"
	"github.com/gomlx/tilestream/pkg/linalg"
	"github.com/gomlx/tilestream/pkg/stream/dense"
	"github.com/gomlx/tilestream/pkg/stream/sparse"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagMode = flag.String("mode", "dense", "Product to run: \"dense\" (Cannon's matrix multiplication) or "+
		"\"sparse\" (sparse matrix-vector product).")
	flagSide        = flag.Int("side", mesh.DefaultSide, "Side of the N×N mesh of tiles.")
	flagParallelism = flag.Int("parallelism", -1, "Maximum number of goroutines used to build streams: "+
		"-1 uses runtime.NumCPU(), 0 builds them sequentially.")

	flagN     = flag.Int("n", 256, "Dense mode: size of the n×n matrices. Must be a multiple of side×inner.")
	flagInner = flag.Int("inner", dense.DefaultInnerBlockSize, "Dense mode: side of the inner blocks multiplied by each tile.")

	flagRows    = flag.Int("rows", 1000, "Sparse mode: number of rows of the matrix.")
	flagCols    = flag.Int("cols", 1000, "Sparse mode: number of columns of the matrix.")
	flagDensity = flag.Float64("density", 0.01, "Sparse mode: fraction of non-zero elements.")
	flagStrip   = flag.Int("strip", sparse.DefaultWindowDimension, "Sparse mode: number of columns per strip.")
	flagWindow  = flag.Int("window", sparse.DefaultWindowDimension, "Sparse mode: number of rows per window.")
	flagValues  = flag.String("values", "float32", "Sparse mode: dtype of the values on the wire: float16, float32 or float64.")
	flagSeed    = flag.Uint64("seed", 42, "Sparse mode: seed of the random matrix.")
	flagReport  = flag.Bool("report", true, "Sparse mode: print the per-tile stream report.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'tilestream -help'.", flag.Args())
		os.Exit(1)
	}

	m := must.M1(mesh.New(*flagSide))
	pool := workerspool.New()
	if *flagParallelism >= 0 {
		pool.SetMaxParallelism(*flagParallelism)
	}
	ctx := context.Background()
	switch *flagMode {
	case "dense":
		runDense(ctx, m, pool)
	case "sparse":
		runSparse(ctx, m, pool)
	default:
		klog.Exitf("Unknown -mode=%q, it must be \"dense\" or \"sparse\".", *flagMode)
	}
}

func runDense(ctx context.Context, m *mesh.Mesh, pool *workerspool.Pool) {
	n := *flagN
	e := linalg.New(m).WithInnerBlockSize(*flagInner).WithPool(pool)
	a := linalg.NewDenseFunc(n, func(i, j int) float32 { return float32(i) })
	b := linalg.NewDenseFunc(n, func(i, j int) float32 { return float32(j) })
	start := time.Now()
	c, err := linalg.MatMul(ctx, e, a, b)
	if err != nil {
		klog.Exitf("MatMul failed: %+v", err)
	}
	elapsed := time.Since(start)

	s := must.M1(a.UpdateStream(e))
	table := newPlainTable()
	table.Row("mesh", m.String())
	table.Row("matrix", fmt.Sprintf("%d×%d", n, n))
	table.Row("outer blocks", fmt.Sprintf("%d×%d of %d", s.OuterBlocks(), s.OuterBlocks(), s.OuterBlockSize()))
	table.Row("chunk size", bytes(s.ChunkSize()))
	table.Row("tile stream size", bytes(s.TotalSize()))
	table.Row("time", elapsed.String())
	table.Row(fmt.Sprintf("C[%d][%d]", n-1, n-1), fmt.Sprintf("%g", c.At(n-1, n-1)))
	fmt.Println(titleStyle.Render("Cannon"))
	fmt.Println(table.Render())
	if n <= linalg.MaxStringSize {
		fmt.Println(c)
	}
}

func parseValueDType(name string) dtypes.DType {
	switch strings.ToLower(name) {
	case "float16":
		return dtypes.Float16
	case "float32":
		return dtypes.Float32
	case "float64":
		return dtypes.Float64
	}
	klog.Exitf("Unsupported -values=%q, it must be float16, float32 or float64.", name)
	return dtypes.InvalidDType
}
