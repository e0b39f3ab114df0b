// Package eventid locates the 64-hex event identifier the uploader prints on
// success. The uploader's output also contains file hashes embedded in
// blossom URLs, which look identical to event ids, so every heuristic here
// rejects candidates that appear inside a URL.
package eventid

import (
	"regexp"
	"strings"
)

var (
	hexTokenPattern = regexp.MustCompile(`\b([0-9a-fA-F]{64})\b`)
	urlPattern      = regexp.MustCompile(`https?://[^\s)]+`)

	// A complete event record: an "id" field with a "kind" field in the same
	// object. The most reliable signal when present.
	eventRecordPattern = regexp.MustCompile(`(?s)\{[^{}]*"id"\s*:\s*"([0-9a-fA-F]{64})"[^{}]*"kind"\s*:\s*\d+[^{}]*\}`)

	idFieldPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\{\s*"id"\s*:\s*"([0-9a-fA-F]{64})"`),
		regexp.MustCompile(`"id"\s*:\s*"([0-9a-fA-F]{64})"`),
	}

	successLinePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)Successfully published[^\n]*\n[^\n]*?([0-9a-fA-F]{64})`),
		regexp.MustCompile(`(?im)published[^\n]*event[^\n]*\n[^\n]*?([0-9a-fA-F]{64})`),
		regexp.MustCompile(`(?im)event[^\n]*created[^\n]*\n[^\n]*?([0-9a-fA-F]{64})`),
	}
)

const tailScanLines = 30

// Extract returns the event identifier found in sanitized uploader output,
// or "" when none can be located. The heuristics run in priority order and
// each skips tokens that are substrings of a URL in the same text.
func Extract(output string) string {
	if output == "" {
		return ""
	}

	urlHex := collectURLHex(output)

	// 1. Full event record; last one wins (most recent emission).
	if matches := eventRecordPattern.FindAllStringSubmatch(output, -1); len(matches) > 0 {
		id := matches[len(matches)-1][1]
		if !urlHex[strings.ToLower(id)] {
			return id
		}
	}

	// 2. Bare "id" field.
	for _, pattern := range idFieldPatterns {
		matches := pattern.FindAllStringSubmatch(output, -1)
		for i := len(matches) - 1; i >= 0; i-- {
			if id := matches[i][1]; !urlHex[strings.ToLower(id)] {
				return id
			}
		}
	}

	// 3. Identifier on the line after a success phrase.
	for _, pattern := range successLinePatterns {
		if match := pattern.FindStringSubmatch(output); match != nil {
			if id := match[1]; !urlHex[strings.ToLower(id)] {
				return id
			}
		}
	}

	// 4. Tail scan, newest line first, skipping lines that carry URLs.
	lines := strings.Split(output, "\n")
	start := len(lines) - tailScanLines
	if start < 0 {
		start = 0
	}
	for i := len(lines) - 1; i >= start; i-- {
		if urlPattern.MatchString(lines[i]) {
			continue
		}
		for _, match := range hexTokenPattern.FindAllStringSubmatch(lines[i], -1) {
			if id := match[1]; !urlHex[strings.ToLower(id)] {
				return id
			}
		}
	}

	// 5. Last resort: last hex token anywhere that is not part of a URL.
	all := hexTokenPattern.FindAllStringSubmatch(output, -1)
	for i := len(all) - 1; i >= 0; i-- {
		if id := all[i][1]; !urlHex[strings.ToLower(id)] {
			return id
		}
	}

	return ""
}

// collectURLHex gathers every 64-hex token embedded in an http(s) URL so the
// extraction passes can exclude file hashes.
func collectURLHex(output string) map[string]bool {
	hex := make(map[string]bool)
	for _, url := range urlPattern.FindAllString(output, -1) {
		for _, match := range hexTokenPattern.FindAllStringSubmatch(url, -1) {
			hex[strings.ToLower(match[1])] = true
		}
	}
	return hex
}
