// Package dedupe remembers recently seen keys for a bounded time.
//
// Sessions use it to remember run ids that already completed, so a terminal
// chat event delivered twice for the same run does not append a second
// assistant message. Expiry is lazy: there is no background goroutine and no
// Close, which lets every connection own a cache without lifecycle plumbing.
package dedupe
