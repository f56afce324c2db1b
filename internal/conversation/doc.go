// Package conversation fans conversation state out to observers.
//
// # Overview
//
// A Broadcaster[T] delivers every published value to all current
// subscribers. The session and agent packages use it to publish a fresh
// snapshot of their state after each change:
//
//	b := conversation.NewBroadcaster[session.Snapshot](logger)
//	ch, id := b.Subscribe(ctx)
//	defer b.Unsubscribe(id)
//
// # Delivery
//
// Publish never blocks. A subscriber whose buffer is full misses that value
// and sees the next one; since every value is a complete snapshot, a slow
// reader only loses intermediate states.
//
// Subscriptions end when their context is cancelled, when Unsubscribe is
// called, or when the Broadcaster is closed. In each case the channel is
// closed.
package conversation
