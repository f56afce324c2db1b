// ABOUTME: Tests for mention parsing and routing of room messages.
// ABOUTME: Covers broadcast, exact, prefix and punctuation-tolerant mentions.

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-chat/internal/chat"
)

func ids(profiles []chat.Profile) []string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.ID)
	}
	return out
}

func TestParseMentions(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"no mentions here", []string{}},
		{"@Bob status?", []string{"bob"}},
		{"hey @Alice and @BOB,", []string{"alice", "bob,"}},
		{"lone @ sign", []string{}},
		{"@a@b", []string{"a@b"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMentions(tt.text))
		})
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "codebot", NormalizeName("Code Bot"))
	assert.Equal(t, "alice", NormalizeName("  ALICE\t"))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestRoute(t *testing.T) {
	alice := chat.Profile{ID: "a1", Name: "Alice"}
	bob := chat.Profile{ID: "b1", Name: "Bob"}
	codeBot := chat.Profile{ID: "c1", Name: "Code Bot"}
	all := []chat.Profile{alice, bob, codeBot}

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"single mention", "@Bob status?", []string{"b1"}},
		{"no mention broadcasts", "status for everyone", []string{"a1", "b1", "c1"}},
		{"prefix mention", "@ali can you look", []string{"a1"}},
		{"trailing punctuation", "thanks @bob!", []string{"b1"}},
		{"name with spaces", "@codebot review this", []string{"c1"}},
		{"multiple mentions", "@alice @bob compare notes", []string{"a1", "b1"}},
		{"case insensitive", "@ALICE", []string{"a1"}},
		{"unknown mention reaches nobody", "@zed hello", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Route(tt.text, all)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestRoute_EmptyNameOnlyReachedByBroadcast(t *testing.T) {
	nameless := chat.Profile{ID: "n1", Name: " "}
	bob := chat.Profile{ID: "b1", Name: "Bob"}

	assert.Equal(t, []string{"b1"}, ids(Route("@bob hi", []chat.Profile{nameless, bob})))
	assert.Equal(t, []string{"n1", "b1"}, ids(Route("hi all", []chat.Profile{nameless, bob})))
}
