// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bsp

import "github.com/pkg/errors"

var (
	// ErrInvalidAccess is returned for Put, Get or stream operations that reference tiles, registered
	// variables, streams or ranges that don't exist.
	ErrInvalidAccess = errors.New("invalid BSP access")

	// ErrAborted is returned by Sync on the tiles that were still running when another tile failed.
	ErrAborted = errors.New("BSP run aborted")
)
