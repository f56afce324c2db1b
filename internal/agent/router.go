// ABOUTME: Mention-based routing of outgoing room messages to agents.
// ABOUTME: @tokens select agents by bidirectional substring match; no mentions broadcasts.

package agent

import (
	"regexp"
	"strings"

	"github.com/2389/coven-chat/internal/chat"
)

var mentionPattern = regexp.MustCompile(`@(\S+)`)

// ParseMentions returns every "@token" in text, lowercased and without the @.
func ParseMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	mentions := make([]string, 0, len(matches))
	for _, m := range matches {
		mentions = append(mentions, strings.ToLower(m[1]))
	}
	return mentions
}

// NormalizeName lowercases name and strips all whitespace, so "Code Bot"
// can be mentioned as @codebot.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), ""))
}

// Route selects the profiles that should receive text. When text mentions
// nobody, every profile is selected. Otherwise a profile is selected when its
// normalized name contains a mention or a mention contains its normalized
// name, which tolerates prefixes ("@ali") and trailing punctuation ("@bob,").
// Profiles whose name normalizes to "" are only reached by broadcast.
func Route(text string, profiles []chat.Profile) []chat.Profile {
	mentions := ParseMentions(text)
	if len(mentions) == 0 {
		return append([]chat.Profile(nil), profiles...)
	}

	var routed []chat.Profile
	for _, p := range profiles {
		if mentioned(NormalizeName(p.Name), mentions) {
			routed = append(routed, p)
		}
	}
	return routed
}

func mentioned(name string, mentions []string) bool {
	if name == "" {
		return false
	}
	for _, m := range mentions {
		if strings.Contains(name, m) || strings.Contains(m, name) {
			return true
		}
	}
	return false
}
