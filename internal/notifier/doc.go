// Package notifier turns world-state snapshots into chat notifications.
//
// A Dispatcher owns one serialized worker per configured platform. Each
// snapshot runs one cycle:
//
//	IDLE -> CLASSIFYING -> COMMITTING -> FANNING_OUT -> IDLE
//
// The set of observed ids is committed to the tracker before any delivery is
// attempted, so a crash during fan-out drops notifications instead of
// repeating them after restart.
//
// # Failures
//
// Tracker read and commit failures, and malformed snapshots, abort the cycle
// for that platform only; nothing is committed and the next refresh is the
// retry. Resolver failures skip one entity. Delivery failures affect one
// destination. None of them escape the cycle; all are logged and reported in
// the CycleReport.
//
// # Fan-out
//
// Each platform owns a bounded pool from package broadcast, so a platform
// whose destinations hang cannot hold another platform's deliveries. The
// pools share one token-bucket rate limit toward the emitter and apply a
// per-delivery timeout.
package notifier
