/*
Package api is the dashboard's HTTP surface: thin handlers mapping 1:1
onto pkg/provisioning's Orchestrator operations and pkg/notify's expiry
notification, per spec.md §6's list of external collaborators.

Grounded on cuemby-warren/pkg/api/health.go's http.ServeMux-plus-
encoding/json shape (no third-party HTTP router anywhere in the
corpus), generalized from a single health/ready pair to the eight
booking-lifecycle routes this domain needs.
*/
package api
