// Package collab exchanges incremental anchor changes with peer sessions.
//
// Encode drains the local changes recorded since the last successful
// encode into a Packet tagged with the next local sequence number. Decode
// applies a peer's Packet through the registry at most once per
// (origin, sequence); cross-origin writes to the same anchor id resolve
// last-writer-wins on (sequence, origin).
package collab

import (
	"time"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
)

// ChangeOp is the verb of a Change.
type ChangeOp uint8

const (
	ChangeUpsert ChangeOp = iota + 1
	ChangeRemove
)

func (op ChangeOp) String() string {
	switch op {
	case ChangeUpsert:
		return "upsert"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one anchor delta. Anchor is set for upserts; removes carry
// only ID.
type Change struct {
	Op     ChangeOp
	ID     string
	Anchor anchors.Anchor
}

// Packet is the unit exchanged between peers.
type Packet struct {
	OriginID string
	Sequence uint64
	SentAt   time.Time
	Changes  []Change
}
