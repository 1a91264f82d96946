// Package notify sends an operator alert for every execution that exits
// abnormally.
//
// The Alerter is a dispatch.Observer. It never blocks the execution that
// triggered it: alerts go through a bounded queue and a single worker which
// rate-limits, retries with backoff and suppresses repeats per job within a
// dedup window.
package notify
