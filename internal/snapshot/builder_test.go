package snapshot

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabink/internal/clock"
	"collabink/internal/ink"
	"collabink/internal/protocol"
)

type fakeSource struct {
	symbols []protocol.Symbol
	exports ink.Exports
}

func (f *fakeSource) Symbols() []protocol.Symbol { return f.symbols }
func (f *fakeSource) Exports() ink.Exports       { return f.exports }

func symbols(n int) []protocol.Symbol {
	out := make([]protocol.Symbol, n)
	for i := range out {
		out[i] = protocol.Symbol(`{"i":` + string(rune('0'+i)) + `}`)
	}
	return out
}

func newBuilder() (*Builder, *fakeSource) {
	b := NewBuilder("alice", clock.Fake(time.UnixMilli(1700000000000)))
	src := &fakeSource{}
	b.Attach(src)
	return b, src
}

func TestBuildWithoutModel(t *testing.T) {
	b := NewBuilder("alice", nil)
	assert.Nil(t, b.Build(true))
	assert.Nil(t, b.BuildBroadcast(true))
	assert.Zero(t, b.Version())
}

func TestBuildDeepCopiesSymbols(t *testing.T) {
	b, src := newBuilder()
	src.symbols = symbols(2)
	src.exports = ink.Exports{Latex: "x^2", JIIX: "{}"}

	snap := b.Build(false)
	src.symbols[0][0] = 'Z'

	assert.Equal(t, byte('{'), snap.Symbols[0][0])
	assert.Equal(t, "x^2", snap.Latex)
	assert.True(t, snap.IsFull())
	assert.Zero(t, snap.Version)
}

func TestVersionAdvancesOnlyForAuthors(t *testing.T) {
	b, src := newBuilder()
	src.symbols = symbols(1)

	assert.Equal(t, int64(1), b.Build(true).Version)
	assert.Equal(t, int64(1), b.CaptureFull().Version)
	assert.Equal(t, int64(2), b.Build(true).Version)
}

func TestSnapshotIDs(t *testing.T) {
	b, _ := newBuilder()
	a, c := b.NewID(), b.NewID()
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "alice-1700000000000-"))
}

func TestBroadcastDeltaBase(t *testing.T) {
	b, src := newBuilder()
	src.symbols = symbols(3)

	first := b.BuildBroadcast(false)
	require.NotNil(t, first)
	assert.Equal(t, 0, *first.BaseSymbolCount)
	b.MarkBroadcast(first)

	src.symbols = symbols(4)
	second := b.BuildBroadcast(false)
	require.NotNil(t, second)
	assert.Equal(t, 3, *second.BaseSymbolCount)
	assert.Len(t, second.Symbols, 4)
}

func TestBroadcastShrinkFallsBackToFull(t *testing.T) {
	b, src := newBuilder()
	src.symbols = symbols(3)
	b.MarkBroadcast(b.BuildBroadcast(false))

	src.symbols = symbols(2)
	snap := b.BuildBroadcast(false)
	require.NotNil(t, snap)
	assert.True(t, snap.IsFull())
}

func TestBroadcastShrinkThenRegrowIsFull(t *testing.T) {
	b, src := newBuilder()
	src.symbols = symbols(3)
	b.MarkBroadcast(b.BuildBroadcast(false))

	// undo then redraw: same length, different tail
	b.Observe(2)
	src.symbols = append(symbols(2), protocol.Symbol(`{"i":"x"}`))
	snap := b.BuildBroadcast(false)
	require.NotNil(t, snap)
	assert.True(t, snap.IsFull())

	b.MarkBroadcast(snap)
	src.symbols = append(src.symbols, protocol.Symbol(`{"i":"y"}`))
	next := b.BuildBroadcast(false)
	require.NotNil(t, next)
	assert.Equal(t, 3, *next.BaseSymbolCount)
}

func TestBroadcastEmptinessRule(t *testing.T) {
	b, src := newBuilder()
	assert.Nil(t, b.BuildBroadcast(false), "nothing to send")
	assert.Zero(t, b.Version())

	forced := b.BuildBroadcast(true)
	require.NotNil(t, forced)
	assert.True(t, forced.Empty())

	src.symbols = symbols(2)
	b.MarkBroadcast(b.BuildBroadcast(false))
	src.symbols = nil
	erase := b.BuildBroadcast(false)
	require.NotNil(t, erase, "erasing broadcast ink must be sent")
	assert.True(t, erase.Empty())
	b.MarkBroadcast(erase)
	assert.Nil(t, b.BuildBroadcast(false))
}

func TestSetBaseline(t *testing.T) {
	b, src := newBuilder()
	b.SetBaseline(5)
	src.symbols = symbols(7)
	snap := b.BuildBroadcast(false)
	assert.Equal(t, 5, *snap.BaseSymbolCount)
	assert.Equal(t, 5, b.BroadcastCount())
}
