// Package snapshot captures the ink model as versioned snapshots.
package snapshot

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"collabink/internal/clock"
	"collabink/internal/ink"
	"collabink/internal/protocol"
)

// Source is the read side of the ink model.
type Source interface {
	Symbols() []protocol.Symbol
	Exports() ink.Exports
}

// Builder produces snapshots of a Source on behalf of one author.
type Builder struct {
	author string
	clock  clock.Clock
	source Source

	version        int64
	broadcastCount int
	// lowWater is the smallest history length seen since peers last
	// matched the local history.
	lowWater int
}

// NewBuilder returns a Builder for author with no model attached.
func NewBuilder(author string, c clock.Clock) *Builder {
	if c == nil {
		c = clock.Real()
	}
	return &Builder{author: author, clock: c}
}

// Attach sets the model snapshots are taken from.
func (b *Builder) Attach(src Source) { b.source = src }

// Detach removes the model; Build returns nil afterwards.
func (b *Builder) Detach() { b.source = nil }

// Version returns the last version issued.
func (b *Builder) Version() int64 { return b.version }

// BroadcastCount returns the symbol count peers are known to hold.
func (b *Builder) BroadcastCount() int { return b.broadcastCount }

// Build captures the model as a full snapshot. incrementVersion is set
// only when the caller is about to publish as the acting author.
func (b *Builder) Build(incrementVersion bool) *protocol.InkSnapshot {
	if b.source == nil {
		return nil
	}
	exports := b.source.Exports()
	if incrementVersion {
		b.version++
	}
	return &protocol.InkSnapshot{
		Symbols:         protocol.CloneSymbols(b.source.Symbols()),
		Latex:           exports.Latex,
		JIIX:            exports.JIIX,
		Version:         b.version,
		SnapshotID:      b.NewID(),
		BaseSymbolCount: protocol.Base(protocol.FullSnapshot),
	}
}

// CaptureFull builds a full snapshot without advancing the version, for
// answering sync requests.
func (b *Builder) CaptureFull() *protocol.InkSnapshot {
	return b.Build(false)
}

// Observe records the current history length. A history that shrank
// below the broadcast count since the last broadcast can no longer be
// expressed as an append, even if it grew back.
func (b *Builder) Observe(count int) {
	if count < b.lowWater {
		b.lowWater = count
	}
}

// BuildBroadcast builds the snapshot for the live editing path. The base
// count is the last broadcast count so peers can append only the delta;
// if the history shrank at any point since then a full snapshot is
// produced instead. Empty
// snapshots are suppressed (nil) unless they erase previously broadcast
// ink or force is set.
func (b *Builder) BuildBroadcast(force bool) *protocol.InkSnapshot {
	if b.source == nil {
		return nil
	}
	count := len(b.source.Symbols())
	b.Observe(count)
	exports := b.source.Exports()
	empty := count == 0 && exports.Latex == "" && exports.JIIX == ""
	erased := b.broadcastCount > 0 && count == 0
	if empty && !erased && !force {
		return nil
	}

	snap := b.Build(true)
	if b.lowWater >= b.broadcastCount && b.broadcastCount <= count {
		snap.BaseSymbolCount = protocol.Base(b.broadcastCount)
	}
	return snap
}

// MarkBroadcast records that peers now hold snap.
func (b *Builder) MarkBroadcast(snap *protocol.InkSnapshot) {
	if snap != nil {
		b.SetBaseline(len(snap.Symbols))
	}
}

// SetBaseline records that the local history is count symbols long and
// matches what peers hold, as after applying a remote snapshot.
func (b *Builder) SetBaseline(count int) {
	b.broadcastCount = count
	b.lowWater = count
}

// NewID returns a snapshot id of the form author-millis-suffix.
func (b *Builder) NewID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("%s-%d-%s", b.author, b.clock.Now().UnixMilli(), suffix)
}
