// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package events

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

// DumpEvents writes a table with the events in the arena (the dependency DAG) to w.
// It is a diagnostic, not meant to be parsed.
func (s *Scheduler) DumpEvents(w io.Writer) error {
	s.mu.Lock()
	events := make([]Event, 0, len(s.records))
	for _, rec := range s.records {
		events = append(events, rec.snapshot())
	}
	floor, nextID := s.floor, s.nextID
	s.mu.Unlock()
	slices.SortFunc(events, func(a, b Event) int { return int(a.ID - b.ID) })

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Event", "Kind", "Queue", "Status", "Wait list", "Bytes", "Duration", "Description")
	for _, e := range events {
		waitList := make([]string, len(e.WaitList))
		for ii, id := range e.WaitList {
			waitList[ii] = fmt.Sprintf("#%d", id)
		}
		status := e.Status.String()
		if e.Status == Failed && e.Origin != e.ID {
			status = fmt.Sprintf("%s (from #%d)", status, e.Origin)
		}
		bytes := ""
		if e.Bytes > 0 {
			bytes = humanize.IBytes(uint64(e.Bytes))
		}
		table.Row(fmt.Sprintf("#%d", e.ID), e.Kind.String(), fmt.Sprintf("%d", e.Queue), status,
			strings.Join(waitList, ","), bytes, e.Duration().String(), e.Description)
	}
	_, err := fmt.Fprintf(w, "%s: events #%d to #%d, %d in the arena\n%s\n", s.name, floor, nextID-1, len(events), table.String())
	return err
}
