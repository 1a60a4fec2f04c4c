// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package streaming implements the LLM agent runner: prompt assembly,
// the chunk filter pipeline, tool budgets, reference capture, and the
// streaming drive over a chosen backend.
package streaming

import (
	"regexp"
	"strings"
)

// Filter is a stateful string transducer over stream chunks. Process is
// called once per chunk in arrival order; Flush drains whatever a
// filter buffered once the stream ends. Not safe for concurrent use —
// one pipeline per stream.
type Filter interface {
	Process(chunk string) string
	Flush() string
}

// Pipeline chains filters. Each stage's Flush output is pushed through
// the remaining stages so no buffered text is lost at stream end.
type Pipeline struct {
	filters []Filter
}

// NewPipeline composes filters in application order.
func NewPipeline(filters ...Filter) *Pipeline {
	return &Pipeline{filters: filters}
}

// Process runs one chunk through every stage.
func (p *Pipeline) Process(chunk string) string {
	for _, f := range p.filters {
		chunk = f.Process(chunk)
	}
	return chunk
}

// Flush drains every stage, feeding each stage's tail through the
// stages after it.
func (p *Pipeline) Flush() string {
	var out strings.Builder
	for i, f := range p.filters {
		tail := f.Flush()
		for _, g := range p.filters[i+1:] {
			tail = g.Process(tail)
		}
		out.WriteString(tail)
	}
	return out.String()
}

// =============================================================================
// Thinking Tag Stripper
// =============================================================================

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkingTagStripper removes <think>...</think> spans from the stream.
//
// # Description
//
// Tags routinely straddle chunk boundaries, so the stripper buffers any
// suffix that could be the start of a tag until it is either completed
// or disproved. Stripped characters are counted so tokens-per-second
// can include the reasoning the user never sees.
//
// An unclosed think span at stream end is discarded entirely: models
// that crash mid-reasoning must not leak raw reasoning to the client.
type ThinkingTagStripper struct {
	buf       strings.Builder
	inThink   bool
	discarded int
}

// NewThinkingTagStripper returns a fresh stripper for one stream.
func NewThinkingTagStripper() *ThinkingTagStripper {
	return &ThinkingTagStripper{}
}

// DiscardedChars reports how many characters were removed inside think
// spans so far.
func (f *ThinkingTagStripper) DiscardedChars() int { return f.discarded }

// Process implements Filter.
func (f *ThinkingTagStripper) Process(chunk string) string {
	f.buf.WriteString(chunk)
	work := f.buf.String()
	f.buf.Reset()

	var out strings.Builder
	for {
		if f.inThink {
			idx := strings.Index(work, thinkClose)
			if idx < 0 {
				// Hold back a possible partial close tag; drop the rest.
				keep := partialTagSuffix(work, thinkClose)
				f.discarded += len(work) - keep
				f.buf.WriteString(work[len(work)-keep:])
				return out.String()
			}
			f.discarded += idx
			work = work[idx+len(thinkClose):]
			f.inThink = false
			continue
		}

		idx := strings.Index(work, thinkOpen)
		if idx < 0 {
			keep := partialTagSuffix(work, thinkOpen)
			out.WriteString(work[:len(work)-keep])
			f.buf.WriteString(work[len(work)-keep:])
			return out.String()
		}
		out.WriteString(work[:idx])
		work = work[idx+len(thinkOpen):]
		f.inThink = true
	}
}

// Flush implements Filter.
func (f *ThinkingTagStripper) Flush() string {
	tail := f.buf.String()
	f.buf.Reset()
	if f.inThink {
		f.discarded += len(tail)
		return ""
	}
	return tail
}

// partialTagSuffix returns the length of the longest suffix of s that
// is a proper prefix of tag.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

// =============================================================================
// Spacing Fixer
// =============================================================================

// SpacingFixer repairs a chat-rendering artifact some models produce:
// a letter butted directly against an opening bracket or backtick
// ("see[the docs]" or "run`make`"). A single space is inserted between
// them. A backtick that closes an inline code span gets no space. State
// is the last rune and whether a code span is open, carried across chunk
// boundaries.
type SpacingFixer struct {
	last   rune
	inCode bool
}

// NewSpacingFixer returns a fresh fixer for one stream.
func NewSpacingFixer() *SpacingFixer {
	return &SpacingFixer{}
}

func isWordRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}

// Process implements Filter.
func (f *SpacingFixer) Process(chunk string) string {
	if chunk == "" {
		return ""
	}
	var out strings.Builder
	out.Grow(len(chunk) + 4)
	for _, r := range chunk {
		opening := r == '[' || (r == '`' && !f.inCode)
		if opening && isWordRune(f.last) {
			out.WriteByte(' ')
		}
		if r == '`' {
			f.inCode = !f.inCode
		}
		out.WriteRune(r)
		f.last = r
	}
	return out.String()
}

// Flush implements Filter.
func (f *SpacingFixer) Flush() string { return "" }

// =============================================================================
// Status Line Suppressor
// =============================================================================

// statusLine matches a whole cosmetic status line like "*Thinking...*".
var statusLine = regexp.MustCompile(`^\*[^*\n]+\*\s*$`)

// StatusLineSuppressor drops a leading model-generated status line
// ("*Searching the web...*") when the worker already sent its own early
// status — two animated status rows look broken in the chat surface.
//
// Only the first line of the stream is inspected; it is buffered until
// the first newline arrives or the stream ends.
type StatusLineSuppressor struct {
	active   bool
	buf      strings.Builder
	decided  bool
	dropping bool
}

// NewStatusLineSuppressor builds a suppressor. active is whether the
// worker already emitted a status indicator for this request.
func NewStatusLineSuppressor(active bool) *StatusLineSuppressor {
	return &StatusLineSuppressor{active: active}
}

// Process implements Filter.
func (f *StatusLineSuppressor) Process(chunk string) string {
	if !f.active || f.decided {
		return chunk
	}
	f.buf.WriteString(chunk)
	buffered := f.buf.String()
	idx := strings.IndexByte(buffered, '\n')
	if idx < 0 {
		return ""
	}
	f.decided = true
	first, rest := buffered[:idx], buffered[idx+1:]
	f.buf.Reset()
	if statusLine.MatchString(strings.TrimRight(first, "\r")) {
		f.dropping = true
		return strings.TrimLeft(rest, "\n")
	}
	return buffered
}

// Flush implements Filter.
func (f *StatusLineSuppressor) Flush() string {
	if f.decided || f.buf.Len() == 0 {
		return ""
	}
	// Stream ended on the first line; a bare status line is dropped.
	buffered := f.buf.String()
	f.buf.Reset()
	if f.active && statusLine.MatchString(strings.TrimRight(buffered, "\r")) {
		return ""
	}
	return buffered
}

// StripThinkingTags is the one-shot form used by the non-streaming
// path. Returns the cleaned text and the count of discarded characters.
func StripThinkingTags(s string) (string, int) {
	f := NewThinkingTagStripper()
	out := f.Process(s) + f.Flush()
	return out, f.DiscardedChars()
}
