/*
Package types defines the data model shared by every package in laasd: labs,
flavors, hosts, switches, VLANs, templates, aggregates, instances, resource
handles, allocations, and durable runtime tasks.

# Core entities

Inventory: Lab, Flavor, Host, HostPort, Switch, SwitchPort, VLAN.

Booking: Template, HostConfig, BondGroupConfig, Aggregate, Instance.

Allocator: ResourceHandle, Allocation, VPNGrant.

Task runtime: RuntimeTask, SpawnLogEntry.

# Invariants

These are enforced by the packages that mutate the types, not by the types
themselves:

  - A ResourceHandle has at most one live (Ended == nil) Allocation at a time.
  - Every Instance.LinkedHostID, once set, refers to a host with a live
    allocation for that instance's aggregate.
  - A RuntimeTask's result fields transition at most once from empty to set.

All types are plain structs intended for JSON storage via pkg/storage; none
hold live resources (files, sockets, locks) and all are safe to copy.
*/
package types
