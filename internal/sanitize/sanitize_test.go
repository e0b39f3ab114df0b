package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain text untouched", "hello world\n", "hello world\n"},
		{"color codes and crlf", "\x1b[31mRED\x1b[0m\r\nDONE", "RED\nDONE"},
		{"bare cr folds to lf", "progress 10%\rprogress 99%\r", "progress 10%\nprogress 99%\n"},
		{"osc title bel terminated", "\x1b]0;evil title\x07visible", "visible"},
		{"osc st terminated", "\x1b]8;;http://x\x1b\\link\x1b]8;;\x1b\\", "link"},
		{"two byte escape", "\x1bMup a line", "up a line"},
		{"cursor movement", "\x1b[2J\x1b[1;1Hcleared", "cleared"},
		{"control bytes dropped", "a\x00b\x08c\x7fd", "abcd"},
		{"tab kept", "col1\tcol2", "col1\tcol2"},
		{"two blank lines kept", "a\n\n\nb", "a\n\n\nb"},
		{"long blank run collapsed", "a\n\n\n\n\n\n\nb", "a\n\n\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Output(tt.in))
		})
	}
}

func TestIncompleteEscape(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"no escape", "plain text", 10},
		{"complete csi", "a\x1b[31m", 6},
		{"bare esc at end", "abc\x1b", 3},
		{"csi missing final byte", "abc\x1b[3", 3},
		{"csi params only", "\x1b[1;2", 0},
		{"osc missing bel", "x\x1b]0;title", 1},
		{"osc bel terminated", "x\x1b]0;t\x07y", 8},
		{"osc st terminated", "\x1b]8;;u\x1b\\", 8},
		{"two byte form complete", "a\x1bM", 3},
		{"text after complete csi", "\x1b[0mok", 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IncompleteEscape([]byte(tt.in)))
		})
	}
}
