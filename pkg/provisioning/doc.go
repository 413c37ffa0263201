// Package provisioning is the task tree that turns a booked Aggregate
// into running, reachable hosts: the per-instance DeployHost state
// machine and the aggregate-level orchestrator that allocates resources
// and spawns one DeployHost per instance, grounded on
// deploy_booking/set_boot.rs and deploy_booking/deploy_host.rs.
package provisioning
