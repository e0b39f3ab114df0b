package uploader

import (
	"os/exec"
	"strings"
)

// CygpathTranslator maps host paths into the compatibility layer's POSIX
// view via cygpath. A path that cannot be translated passes through
// unchanged; the uploader script then fails with a visible error instead
// of the batch dying silently.
func CygpathTranslator(cygpathBin string) func(string) string {
	return func(p string) string {
		out, err := exec.Command(cygpathBin, "-u", p).Output()
		if err != nil {
			return p
		}
		translated := strings.TrimSpace(string(out))
		if translated == "" {
			return p
		}
		return translated
	}
}
