/*
Package config loads laasd's one typed settings document
(mailbox/project/cobbler/metrics/notifications/dev/logging sections)
from YAML, the teacher's format of choice for on-disk resource
documents (see cmd/warren/apply.go's WarrenResource), plus a small set
of environment overrides for the fields an operator most often needs to
flip per-deployment without editing the file (log level, mailbox bind
address and external URL, dev mode).

pkg/config/inventory.go covers the separate concern of loading the
host/flavor/switch/image inventory into the store; this file is only
ever consulted by cmd/laasd's startup, never by the core packages
themselves, which only ever see the typed Go values it produces.
*/
package config
