// Package chat holds the types shared by the session and agent packages:
// connection State, Message, Profile and the run Accumulator.
package chat
