// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Run(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 3, 16} {
		pool := New().SetMaxParallelism(parallelism)
		var count atomic.Int32
		seen := make([]int32, 20)
		require.NoError(t, pool.Run(len(seen), func(task int) error {
			count.Add(1)
			seen[task]++
			return nil
		}))
		assert.Equal(t, int32(20), count.Load(), "parallelism=%d", parallelism)
		for task, n := range seen {
			assert.Equal(t, int32(1), n, "task %d ran %d times with parallelism=%d", task, n, parallelism)
		}
	}
}

func TestPool_RunRespectsLimit(t *testing.T) {
	pool := New().SetMaxParallelism(2)
	var running, maxRunning atomic.Int32
	require.NoError(t, pool.Run(50, func(task int) error {
		n := running.Add(1)
		for {
			old := maxRunning.Load()
			if n <= old || maxRunning.CompareAndSwap(old, n) {
				break
			}
		}
		running.Add(-1)
		return nil
	}))
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func TestPool_RunErrors(t *testing.T) {
	pool := New().SetMaxParallelism(4)
	err := pool.Run(10, func(task int) error {
		if task == 3 || task == 7 {
			return errors.Errorf("failed task %d", task)
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed task 3")

	err = pool.Run(5, func(task int) error {
		if task == 2 {
			panic("boom")
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task #2 panicked")
	assert.False(t, New().SetMaxParallelism(0).IsEnabled())
	assert.True(t, New().SetMaxParallelism(-1).IsUnlimited())
}
