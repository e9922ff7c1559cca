package usecase

import (
	"regexp"
	"strings"

	"patpat-agent/internal/domain"
)

var (
	// actorPrefix matches a leading "상담사: " style speaker label.
	actorPrefix = regexp.MustCompile(`^[^:\n\[\]]+:\s*`)
	tagPattern  = regexp.MustCompile(`\[([가-힣]+)\]`)
)

// Tagged is a model reply split into its classification label and the body
// that gets stored.
type Tagged struct {
	Label string
	Body  string
}

// ExtractTag strips an echoed actor prefix and pulls the first bracketed
// Hangul word out of reply. Replies without such a word keep their original
// text and get the default label.
func ExtractTag(reply string) Tagged {
	stripped := actorPrefix.ReplaceAllString(reply, "")
	m := tagPattern.FindStringSubmatch(stripped)
	if m == nil {
		return Tagged{Label: domain.DefaultTurnType, Body: reply}
	}
	body := tagPattern.ReplaceAllString(stripped, "")
	return Tagged{Label: m[1], Body: strings.TrimSpace(body)}
}
