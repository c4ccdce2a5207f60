package events

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SplitTopics turns a comma separated tag list into normalized topics:
// trimmed, case-folded, de-duplicated, order preserved.
func SplitTopics(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	caser := cases.Lower(language.Und)
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		topic := caser.String(strings.TrimSpace(part))
		if topic == "" {
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	return out
}
