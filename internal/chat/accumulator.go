// ABOUTME: Run accumulator that reassembles streamed delta fragments into one reply.
// ABOUTME: Tracks a single run per connection; a new runId discards unflushed text.

package chat

import (
	"strings"

	"github.com/2389/coven-chat/internal/protocol"
)

// Outcome tells the owner of an Accumulator what a chat event did.
type Outcome int

const (
	// OutcomeIgnored means the event had an unknown state.
	OutcomeIgnored Outcome = iota
	// OutcomeDelta means streaming text changed.
	OutcomeDelta
	// OutcomeFinal means the run completed; Update.Text holds the final text,
	// which may be empty.
	OutcomeFinal
	// OutcomeError means the run failed and its partial text was dropped.
	OutcomeError
)

// Update is the result of applying one chat event.
type Update struct {
	Outcome Outcome
	RunID   string
	// Text is the accumulated streaming text for a delta, or the final text.
	Text string
}

// Accumulator holds the text of the run currently streaming on a connection.
// It is not safe for concurrent use; its owner serializes access.
type Accumulator struct {
	runID string
	text  strings.Builder
}

// RunID returns the id of the run being accumulated, or "".
func (a *Accumulator) RunID() string {
	return a.runID
}

// Text returns the text accumulated so far.
func (a *Accumulator) Text() string {
	return a.text.String()
}

// Reset discards the current run.
func (a *Accumulator) Reset() {
	a.runID = ""
	a.text.Reset()
}

// Apply folds one chat event into the accumulator.
func (a *Accumulator) Apply(ev *protocol.ChatEvent) Update {
	switch ev.State {
	case protocol.ChatStateDelta:
		if ev.RunID != a.runID {
			a.text.Reset()
			a.runID = ev.RunID
		}
		a.text.WriteString(protocol.ExtractText(ev.Message))
		return Update{Outcome: OutcomeDelta, RunID: a.runID, Text: a.text.String()}

	case protocol.ChatStateFinal:
		text := protocol.ExtractText(ev.Message)
		if text == "" {
			text = a.text.String()
		}
		a.Reset()
		return Update{Outcome: OutcomeFinal, RunID: ev.RunID, Text: text}

	case protocol.ChatStateError:
		a.Reset()
		return Update{Outcome: OutcomeError, RunID: ev.RunID}

	default:
		return Update{Outcome: OutcomeIgnored, RunID: ev.RunID}
	}
}
