package types

import (
	"fmt"
	"time"
)

// TextRange is a half-open range of rune positions.
type TextRange struct {
	Start int
	End   int
}

// Delta is a change of the visible text: the runes in Range are replaced by
// Replacement. A list of deltas must be applied in order.
type Delta struct {
	Range       TextRange
	Replacement string
}

// IsInsert tells if the delta only adds text.
func (d Delta) IsInsert() bool {
	return d.Range.Start == d.Range.End && d.Replacement != ""
}

// String implements fmt.Stringer.
func (d Delta) String() string {
	return fmt.Sprintf("[%d,%d)->%q", d.Range.Start, d.Range.End, d.Replacement)
}

// ApplyDeltas returns text with the deltas applied in order. Out of range
// deltas are clamped.
func ApplyDeltas(text string, deltas []Delta) string {
	runes := []rune(text)
	for _, d := range deltas {
		start, end := clamp(d.Range.Start, len(runes)), clamp(d.Range.End, len(runes))
		if end < start {
			end = start
		}
		repl := []rune(d.Replacement)
		next := make([]rune, 0, len(runes)-(end-start)+len(repl))
		next = append(next, runes[:start]...)
		next = append(next, repl...)
		next = append(next, runes[end:]...)
		runes = next
	}
	return string(runes)
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// PeerPhase is the replication phase of a peer for one document.
type PeerPhase int

const (
	Disconnected PeerPhase = iota
	Handshaking
	Syncing
	Steady
)

// String implements fmt.Stringer.
func (p PeerPhase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Syncing:
		return "syncing"
	case Steady:
		return "steady"
	default:
		return "unknown"
	}
}

// PeerStatus is the connectivity of a peer as shown to the user.
type PeerStatus string

const (
	Online       PeerStatus = "online"
	Offline      PeerStatus = "offline"
	Reconnecting PeerStatus = "reconnecting"
)

// PeerSyncState is what a document knows about one peer. It is kept after the
// peer goes offline so that a reconnection resumes from Cursor.
type PeerSyncState struct {
	Peer     string
	Cursor   Cursor
	Status   PeerStatus
	Phase    PeerPhase
	Retries  uint
	LastSeen time.Time
}

// SyncStatus is emitted to the editor on every phase or status change.
type SyncStatus struct {
	Document string
	Peer     string
	Phase    PeerPhase
	Status   PeerStatus
}

// Stall describes remote entries that could not be applied in time.
type Stall struct {
	Document string
	Peer     string
	Missing  []Range
	Reason   string
}

// DocumentInfo summarizes the replication state of an open document.
type DocumentInfo struct {
	ID       string
	Length   int
	Frontier Cursor
	Floor    Cursor
	Height   uint64
	Pending  int
	Snapshot uint64
	Stats    SyncStats
}

// SyncStats counts what happened to remote entries of a document.
type SyncStats struct {
	EntriesReceived   uint64
	EntriesApplied    uint64
	Duplicates        uint64
	Buffered          uint64
	Malformed         uint64
	Stalls            uint64
	Escalations       uint64
	SnapshotsTaken    uint64
	SnapshotsDeferred uint64
}
