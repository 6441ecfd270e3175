// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent per-tile tasks with a bounded number of goroutines.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	//
	// If 0 tasks are run inline, and if negative there is no limit.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{}
	w.maxParallelism = runtime.NumCPU()
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the limit of tasks running at the same time.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism and returns the pool, so calls can be chained.
//
// It should only be changed while no tasks are running.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// Run calls fn(task) for every task in `[0, numTasks)` and waits for all of them to finish.
//
// Tasks must be independent of each other: they may run in any order and concurrently. If one or
// more tasks fail, Run returns the error of the lowest numbered failing task, so results are
// reproducible regardless of scheduling. A task that panics is reported as an error.
func (w *Pool) Run(numTasks int, fn func(task int) error) error {
	if numTasks <= 0 {
		return nil
	}
	taskErrs := make([]error, numTasks)
	if !w.IsEnabled() || numTasks == 1 {
		for task := range numTasks {
			taskErrs[task] = runTask(task, fn)
		}
		return firstError(taskErrs)
	}

	var wg sync.WaitGroup
	wg.Add(numTasks)
	for task := range numTasks {
		w.mu.Lock()
		for w.lockedIsFull() {
			w.cond.Wait()
		}
		w.numRunning++
		w.mu.Unlock()
		go func() {
			defer wg.Done()
			taskErrs[task] = runTask(task, fn)
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
	}
	wg.Wait()
	return firstError(taskErrs)
}

func runTask(task int, fn func(task int) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rErr, ok := r.(error); ok {
				err = errors.WithMessagef(rErr, "task #%d panicked", task)
			} else {
				err = errors.Errorf("task #%d panicked: %v", task, r)
			}
		}
	}()
	return fn(task)
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
