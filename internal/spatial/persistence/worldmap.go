// Package persistence saves the anchor registry as a versioned world-map
// blob and loads such blobs back by resetting the session onto them.
//
// Blob layout, big endian:
//
//	magic "SPWM" | version u16 | flags u16 | anchor count u32 |
//	captured at (unix ns) i64 | payload length u32 | payload crc32c u32 |
//	payload
//
// The payload is a gob-encoded anchor list, zstd-compressed when the
// compressed flag is set. Unknown versions, bad checksums and payloads
// that disagree with the header are rejected as corrupt.
package persistence

import (
	"time"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
)

// WorldMap is a decoded snapshot of the registry.
type WorldMap struct {
	Anchors    []anchors.Anchor
	CapturedAt time.Time
}

// FromSnapshot copies every anchor of snap, ordered by creation.
func FromSnapshot(snap *anchors.Snapshot, capturedAt time.Time) *WorldMap {
	return &WorldMap{Anchors: snap.All(), CapturedAt: capturedAt}
}

// Metadata is the header information of a blob.
type Metadata struct {
	Version     uint16
	AnchorCount int
	CapturedAt  time.Time
	Compressed  bool
	Size        int
}
