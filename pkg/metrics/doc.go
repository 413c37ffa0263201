/*
Package metrics exposes laasd's Prometheus surface: allocator, task
runtime, mailbox, fabric, durable-log and reconciler gauges/counters/
histograms, plus a Collector that periodically sweeps pkg/storage to
populate the "how many right now" gauges.

Counters and histograms tied to a specific event (an allocation
attempt, a task result, a fabric command) are updated inline by the
package that produces the event rather than by Collector, since a
periodic sweep cannot see events that happened and were already
forgotten between ticks.
*/
package metrics
