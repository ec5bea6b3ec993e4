// Package health tracks the health of external resources a process
// depends on (databases, file shares, brokers, caches, APIs).
//
// A [Checker] wraps one [Probe] and owns its status and a run-length
// encoded history of [EntryRecord]s. A [Processor] owns a set of
// checkers, fans out checks concurrently and reports the aggregate
// status, which is the most severe checker status by [Status.Severity].
// A [BackgroundLoop] drives the processor on an interval and logs
// aggregate transitions.
//
// Probe implementations live in their own packages and plug in through
// a [Registry] keyed by a case-insensitive type tag.
package health
