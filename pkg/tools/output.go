package tools

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	defaultOutputMaxLines = 2000
	defaultOutputMaxBytes = 50 * 1024
)

// OutputLimits bounds the text a tool hands back.
type OutputLimits struct {
	MaxLines int
	MaxBytes int
}

// DefaultOutputLimits returns the limits applied to built-in tools.
func DefaultOutputLimits() OutputLimits {
	return OutputLimits{MaxLines: defaultOutputMaxLines, MaxBytes: defaultOutputMaxBytes}
}

// Truncate keeps the head and tail of text within the limits, marking
// the cut.
func (l OutputLimits) Truncate(text string) string {
	if l.MaxLines > 0 {
		text = headTail(text, l.MaxLines)
	}
	if l.MaxBytes > 0 && len(text) > l.MaxBytes {
		total := len(text)
		text = cutBytes(text, l.MaxBytes)
		text += fmt.Sprintf("\n... [truncated %s of %s] ...", formatBytes(total-len(text)), formatBytes(total))
	}
	return text
}

func headTail(text string, maxLines int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= maxLines {
		return text
	}
	if maxLines < 4 {
		return strings.Join(lines[:maxLines], "\n")
	}
	head := maxLines / 2
	tail := maxLines - head
	out := make([]string, 0, maxLines+1)
	out = append(out, lines[:head]...)
	out = append(out, fmt.Sprintf("... [truncated %d lines] ...", len(lines)-maxLines))
	out = append(out, lines[len(lines)-tail:]...)
	return strings.Join(out, "\n")
}

// cutBytes shortens s to at most n bytes without splitting a rune.
func cutBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func formatBytes(n int) string {
	if n < 1024 {
		return fmt.Sprintf("%dB", n)
	}
	kb := float64(n) / 1024
	if kb < 1024 {
		return fmt.Sprintf("%.1fKB", kb)
	}
	return fmt.Sprintf("%.1fMB", kb/1024)
}
