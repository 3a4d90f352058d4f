// Package statetable implements the coalescing producer/consumer protocol.
//
// Producers call Set and Del; consumers call Pop and Pops. Between two pops a
// key has at most one pending update, holding the final op and the merged
// fields of every write since the key became pending.
//
// STATE PER KEY:
//
//	CLEAN --Set--> PENDING_SET --Set--> PENDING_SET (fields merged)
//	CLEAN --Del--> PENDING_DEL --Set--> PENDING_SET (fields start empty)
//	PENDING_SET --Del--> PENDING_DEL (fields dropped)
//	PENDING_* --Pop--> CLEAN
//
// ORDERING:
// Keys are delivered in the order they became pending. Updating a key that
// is already pending does not move it.
//
// ATOMICITY:
// Every Set, Del and single-key pop is one backend transaction. A write that
// races a pop lands entirely before it (and is delivered by it) or entirely
// after it (and starts a new pending update at the tail).
//
// WAITING:
// Consumers never block. Consumer.Ready feeds a reactor such as
// selector.Select; wakeups may be spurious.
package statetable
