package security

import (
	"errors"
	"regexp"
	"strings"
)

// ErrEmptyContent is returned when message content is empty or
// whitespace-only (§4.6).
var ErrEmptyContent = errors.New("security: content is empty")

var whitespaceRun = regexp.MustCompile(`\s+`)

// ValidateAndSanitize rejects empty/whitespace-only content and otherwise
// returns a normalized form: runs of whitespace collapsed to a single
// space, leading/trailing whitespace trimmed.
func ValidateAndSanitize(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	return whitespaceRun.ReplaceAllString(trimmed, " "), nil
}
