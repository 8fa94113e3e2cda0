// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package instrument

import (
	"sort"
	"strings"
)

// SourceMap translates positions in instrumented code back to the source
// the guest submitted. Insertions never span lines, so only columns move.
type SourceMap struct {
	at        []int // Instrumented offset of each insertion, ascending
	size      []int // Length of each insertion
	shift     []int // Total inserted bytes up to and including each insertion
	instLines []int // Line start offsets of the instrumented source
	origLines []int // Line start offsets of the original source
}

func apply(src string, inserts []insertion) (string, *SourceMap) {
	// At one offset, closers come first with the innermost closed first;
	// openers follow with the outermost first.
	sort.Slice(inserts, func(i, j int) bool {
		a, b := inserts[i], inserts[j]
		switch {
		case a.at != b.at:
			return a.at < b.at
		case a.close != b.close:
			return a.close
		case a.close:
			return a.seq > b.seq
		default:
			return a.seq < b.seq
		}
	})

	var sb strings.Builder
	sm := &SourceMap{}
	last, total := 0, 0
	for _, ins := range inserts {
		sb.WriteString(src[last:ins.at])
		sm.at = append(sm.at, ins.at+total)
		sm.size = append(sm.size, len(ins.text))
		total += len(ins.text)
		sm.shift = append(sm.shift, total)
		sb.WriteString(ins.text)
		last = ins.at
	}
	sb.WriteString(src[last:])
	out := sb.String()
	sm.instLines = lineStarts(out)
	sm.origLines = lineStarts(src)
	return out, sm
}

func lineStarts(s string) []int {
	starts := []int{0}
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// Original maps a 1-based line and column of the instrumented source to the
// original source. Positions inside inserted code map to where it was
// inserted. Out of range positions are returned unchanged.
func (m *SourceMap) Original(line, column int) (int, int) {
	if m == nil || line < 1 || line > len(m.instLines) || column < 1 {
		return line, column
	}
	off := m.instLines[line-1] + column - 1

	// Last insertion starting at or before off.
	i := sort.Search(len(m.at), func(k int) bool { return m.at[k] > off }) - 1
	orig := off
	if i >= 0 {
		if off < m.at[i]+m.size[i] {
			orig = m.at[i] - (m.shift[i] - m.size[i])
		} else {
			orig = off - m.shift[i]
		}
	}

	l := sort.Search(len(m.origLines), func(k int) bool { return m.origLines[k] > orig })
	if l == 0 {
		return line, column
	}
	return l, orig - m.origLines[l-1] + 1
}
