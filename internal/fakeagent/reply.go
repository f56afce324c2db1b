// ABOUTME: Reply text for the fake agent and its split into streamed chunks.
// ABOUTME: Mentions of markdown or lists get a canned markdown response.

package fakeagent

import (
	"fmt"
	"strings"
)

// EchoReply builds the agent's answer to input.
func EchoReply(name, input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("%s heard: **%s**\n\nI received your message and am responding with some *formatted* text.", name, input)
}

// Chunks splits text into pieces of at most words words each, keeping the
// original whitespace, so that concatenating the chunks yields text again.
func Chunks(text string, words int) []string {
	if words <= 0 {
		words = 1
	}
	var (
		chunks []string
		start  int
		count  int
		inWord bool
	)
	for i, r := range text {
		space := r == ' ' || r == '\n' || r == '\t'
		if !space && !inWord {
			if count == words {
				chunks = append(chunks, text[start:i])
				start = i
				count = 0
			}
			count++
		}
		inWord = !space
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}
