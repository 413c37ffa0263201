/*
Package ledger provides a single-node, durably-committed log of task
targets, grounded on cuemby-warren/pkg/manager's Bootstrap/Apply/FSM
trio. It is not the system of record for task state — pkg/storage's
bbolt tables are, per spec.md §9's Open Question decision — it exists
so a restart has a durable, ordered record of which task IDs were
recently declared as targets, a stronger hint than replaying storage
alone would give if the process died between enrolling a task and
writing its first dependency edge.
*/
package ledger
