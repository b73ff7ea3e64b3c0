// Package registry maps human-facing agent names to reasoning engines.
//
// Agents come from two sources: static configuration, which fixes names and
// display order, and discovery against the reasoning-engine control plane.
// A discovered engine whose display name matches a configured agent supplies
// that agent's engine ID; any other engine is exposed under a slug of its
// display name.
//
// The registry serves an immutable Snapshot held in an atomic pointer. List
// refreshes synchronously once the snapshot is older than its TTL, and
// concurrent refreshes share a single discovery call. When discovery fails
// the previous snapshot keeps being served and the next List retries.
package registry
