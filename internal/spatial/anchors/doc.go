// Package anchors owns the tracked-anchor model and the Registry, the single
// shared mutable resource of a spatial session.
//
// Responsibilities: the Kind variant set and its payloads, id allocation,
// classified upsert/remove, atomic batches, epoch-guarded writers for the
// trackers, and immutable point-in-time snapshots.
//
// Dependency rule: anchors depends only on geom. Trackers, persistence and
// collaboration reference anchors by id and request mutation through the
// Registry; they never hold a lock on registry data.
package anchors
