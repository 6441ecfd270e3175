// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilestream/pkg/stream"
	"github.com/gomlx/tilestream/pkg/stream/sparse"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(plainTableStyle)
}

// plainTableStyle styles the header (if any) in reverse, and alternates the colors of the data rows.
func plainTableStyle(row, col int) (s lipgloss.Style) {
	if row == lgtable.HeaderRow {
		s = headerRowStyle
		return
	}
	switch {
	case row%2 == 0:
		s = oddRowStyle
	default:
		s = evenRowStyle
	}
	if col == 0 {
		s = s.Align(lipgloss.Right)
	} else {
		s = s.Align(lipgloss.Left)
	}
	return
}

func bytes(n int) string {
	return humanize.Bytes(uint64(n))
}

// tileReport lists, per tile, its header maxima and the sizes of its down and up streams.
func tileReport[T stream.Float](s *sparse.WindowedStream[T], images [][]sparse.Triplet[T]) *lgtable.Table {
	table := newPlainTable()
	table.Headers("Tile", "Non-zeros", "max sizeU", "max sizeV", "max window", "max non-local", "Down", "Up")
	for tile := range s.Mesh().NumTiles() {
		h := s.Header(tile)
		table.Row(
			fmt.Sprintf("%d", tile),
			humanize.Comma(int64(len(images[tile]))),
			fmt.Sprintf("%d", h.MaxSizeU),
			fmt.Sprintf("%d", h.MaxSizeV),
			fmt.Sprintf("%d", h.MaxWindowSize),
			fmt.Sprintf("%d", h.MaxNonLocal),
			bytes(len(s.Blob(tile))),
			bytes(s.UpStreamSize(tile)),
		)
	}
	return table
}
