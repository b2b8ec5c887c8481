// Package engine runs jobs in the background and lets callers wait for them.
//
// The Engine dispatches one executor per job. An executor resolves the
// credential and the adapter, invokes the adapter once for all hosts, writes
// every trail and finally writes the terminal job state. The Waiter gives a
// synchronous caller a bounded view of that process: it re-reads the job from
// the store until it is terminal or the budget runs out, in which case the job
// is marked timed_out while the executor keeps going.
package engine
