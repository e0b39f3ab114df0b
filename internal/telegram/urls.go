package telegram

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// ExtractURLs pulls http/https URLs out of free-form message text, in
// order of appearance. Trailing punctuation that chat clients glue onto
// links is trimmed.
func ExtractURLs(text string) []string {
	var urls []string
	for _, m := range urlPattern.FindAllString(text, -1) {
		urls = append(urls, strings.TrimRight(m, ".,;:!?)]}"))
	}
	return urls
}

// StripURLs returns text with the given URLs removed and whitespace
// collapsed, the free-text remainder of a submission.
func StripURLs(text string, urls []string) string {
	for _, u := range urls {
		text = strings.ReplaceAll(text, u, " ")
	}
	rest := strings.Join(strings.Fields(text), " ")
	if strings.Trim(rest, ".,;:!?()[]{}") == "" {
		return ""
	}
	return rest
}
