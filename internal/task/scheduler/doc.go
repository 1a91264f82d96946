// Package scheduler keeps the registry of named jobs and arms one timer loop
// per started job.
//
// A job is registered inert. Start parses its cron expression and arms a
// loop that wakes at every resolution boundary (minute, or second for
// six-field expressions) and hands matching boundaries to the dispatcher.
// Stop disarms the loop; executions already dispatched keep running.
package scheduler
