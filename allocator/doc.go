// Package allocator assigns ALB listener rule priorities to services.
//
// # Algorithm
//
// [Allocator.Allocate] first returns any priority the service already holds
// on the listener, so repeated calls are idempotent. Otherwise it builds a
// snapshot of the priorities in use, taken from both the allocation [Store]
// and the listener's live rules ([RuleSource]), and claims a free priority
// with a conditional insert. The store's conditional insert is the only
// serialization point: the snapshot may be stale, and a lost race simply
// moves on to the next candidate.
//
// A preferred priority is tried first when it is in range and absent from
// the snapshot. Otherwise, or if that claim is lost, the lowest free priority
// is claimed, filling gaps left by released allocations. The scan gives up
// after [MaxRetries] lost races with [ErrRetriesExhausted], or with
// [ErrNoPriorityAvailable] once every priority in range has been considered.
//
// [Allocator.Release] deletes the service's record if one exists.
//
// # Events
//
// An optional [Notifier] receives an [Event] after every committed
// allocation or release. Notification failures are logged and never undo or
// fail the operation.
package allocator
