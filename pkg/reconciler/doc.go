/*
Package reconciler runs the periodic sweep that keeps aggregate and
task state converging without an operator watching a clock: expired
bookings get torn down, and Ready-state tasks a crashed process left
stranded get nudged back onto the scheduler's run path.

Grounded on cuemby-warren/pkg/reconciler's ticker-driven Start/Stop/run
loop and its reconcile() metrics wrapper, with reconcileNodes and
reconcileContainers replaced by reconcileExpiredAggregates and
reconcileStuckTasks — this domain has bookings and provisioning tasks
in place of nodes and containers.
*/
package reconciler
