// Package subscription tracks which markets the collector is subscribed to
// on the feed, enforcing a hard ceiling on concurrent subscriptions.
//
// Markets discovered past the ceiling wait in a FIFO overflow queue and are
// promoted oldest-first as terminal markets free slots. Subscribe and
// unsubscribe commands are batched and sent through a rate limiter so a
// burst of discoveries cannot flood the feed's command channel.
package subscription
