// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"strconv"
	"strings"
)

// TracePrefix starts every frame line of a sanitized trace.
const TracePrefix = "\tat "

// MaxTraceFrames caps the number of guest frames in a sanitized trace.
const MaxTraceFrames = 64

// Origin classifies a stack frame.
type Origin int

const (
	OriginHost  Origin = iota // Engine internals, native functions and host bindings
	OriginGuest               // Code compiled from the task's source
)

// Frame is one entry of a guest failure stack, innermost first.
type Frame struct {
	Origin   Origin
	Function string // Empty for top-level code
	File     string
	Line     int
	Column   int
}

func (f Frame) String() string {
	loc := f.File + ":" + strconv.Itoa(f.Line) + ":" + strconv.Itoa(f.Column)
	if f.Function == "" {
		return loc
	}
	return f.Function + " (" + loc + ")"
}

// SanitizeTrace renders a failure as its message followed by the guest part
// of the stack. Host frames above the guest code are skipped, guest frames
// are emitted one per line, and output stops at the first frame that leaves
// the guest again, so no host frame is ever printed.
func SanitizeTrace(message string, frames []Frame) string {
	var sb strings.Builder
	sb.WriteString(message)
	i := 0
	for i < len(frames) && frames[i].Origin != OriginGuest {
		i++
	}
	for n := 0; i < len(frames) && frames[i].Origin == OriginGuest && n < MaxTraceFrames; i, n = i+1, n+1 {
		sb.WriteByte('\n')
		sb.WriteString(TracePrefix)
		sb.WriteString(frames[i].String())
	}
	return sb.String()
}

// ParseV8Stack turns a V8 textual stack into frames. Frames located in
// script are guest frames; everything else, including natives and frames
// that cannot be parsed, is host.
func ParseV8Stack(stack, script string) []Frame {
	var frames []Frame
	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "at ")
		if !ok {
			continue
		}
		frames = append(frames, parseV8Frame(rest, script))
	}
	return frames
}

func parseV8Frame(s, script string) Frame {
	var fn, loc string
	if strings.HasSuffix(s, ")") {
		if i := strings.LastIndex(s, " ("); i >= 0 {
			fn, loc = s[:i], s[i+2:len(s)-1]
		}
	}
	if loc == "" {
		loc = s
	}
	f := Frame{Origin: OriginHost, Function: fn, File: loc}
	col := strings.LastIndexByte(loc, ':')
	if col < 0 {
		return f
	}
	row := strings.LastIndexByte(loc[:col], ':')
	if row < 0 {
		return f
	}
	line, err1 := strconv.Atoi(loc[row+1 : col])
	column, err2 := strconv.Atoi(loc[col+1:])
	if err1 != nil || err2 != nil {
		return f
	}
	f.File, f.Line, f.Column = loc[:row], line, column
	if f.File == script {
		f.Origin = OriginGuest
	}
	return f
}
