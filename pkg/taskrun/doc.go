/*
Package taskrun schedules a DAG of durable tasks on a single goroutine,
runs each task body on its own goroutine, and persists every result
through pkg/storage so a crash mid-graph resumes instead of restarting.
*/
package taskrun
