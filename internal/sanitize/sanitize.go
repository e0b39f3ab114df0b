// Package sanitize strips terminal escape sequences and control bytes from
// captured command output before it is logged, displayed, or scanned.
// Uploader scripts echo content fetched from untrusted sources, so anything
// that could smuggle cursor movement or title changes into a terminal or log
// viewer is removed here.
package sanitize

import (
	"bytes"
	"regexp"
	"strings"
)

var (
	// CSI, OSC (BEL or ST terminated) and the remaining two-byte ESC forms.
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-_]`)

	blankRunPattern = regexp.MustCompile(`\n{4,}`)
)

// Output normalizes one captured stream: escape sequences removed, CRLF and
// bare CR folded to LF, control bytes other than tab and newline dropped, and
// runs of three or more blank lines collapsed.
func Output(value string) string {
	if value == "" {
		return value
	}

	value = ansiPattern.ReplaceAllString(value, "")
	value = strings.ReplaceAll(value, "\r\n", "\n")
	value = strings.ReplaceAll(value, "\r", "\n")
	value = stripControl(value)
	return blankRunPattern.ReplaceAllString(value, "\n\n\n")
}

// IncompleteEscape reports the index where a trailing escape sequence starts
// that has no terminator yet, or len(data) when the data ends cleanly. A
// caller chunking a live stream holds everything from that index back until
// the rest of the sequence arrives, so Output never sees a torn escape.
func IncompleteEscape(data []byte) int {
	i := bytes.LastIndexByte(data, 0x1b)
	if i == -1 {
		return len(data)
	}
	if i == len(data)-1 {
		return i
	}
	switch data[i+1] {
	case '[': // CSI, terminated by a final byte in @..~
		for j := i + 2; j < len(data); j++ {
			b := data[j]
			if b >= 0x40 && b <= 0x7e {
				return len(data)
			}
			if b < 0x20 || b > 0x3f {
				// Not a CSI byte at all; leave it to Output.
				return len(data)
			}
		}
		return i
	case ']': // OSC, terminated by BEL (ST would contain a later ESC)
		if bytes.IndexByte(data[i+2:], 0x07) >= 0 {
			return len(data)
		}
		return i
	default:
		// Two-byte ESC form, complete as is.
		return len(data)
	}
}

func stripControl(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
