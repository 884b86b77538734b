// Package billing keeps an account's entitlement record consistent with the
// subscription object held by the external payment processor.
//
// Two paths write the record. The synchronous path (Subscribe, Cancel, Resume,
// ChangePlan) calls the processor through the idempotent Gateway and then
// applies a transition locally. The asynchronous path (Dispatcher.Handle)
// verifies processor webhooks and level-sets the record to the state the
// processor reports. Both paths go through the same Machine, the same
// per-account lock and the same Store, and every applied transition is
// appended to the audit log in the same write.
//
// Repeated payment failures are escalated by Policy: the first waits for the
// processor's own retry, the second notifies the account holder, and the third
// cancels the subscription immediately.
package billing
