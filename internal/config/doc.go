// Package config loads, validates, and persists the service-side
// configuration described in SPEC_FULL.md §6: eviction thresholds, sync
// policy (conflict strategy, checksum verification, exclude patterns), and
// the ambient logging/monitoring knobs. Precedence is file, then
// HYBRIDFS_*-prefixed environment variables, then any runtime overrides the
// control plane applies on top.
package config
