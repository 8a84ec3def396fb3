package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabink/internal/clock"
	"collabink/internal/ink"
	"collabink/internal/protocol"
)

type fixture struct {
	engine *Engine
	model  *ink.Model
	rec    *ink.MemoryRecognizer
	clock  *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := ink.NewMemoryRecognizer()
	rt := ink.NewRuntime(func(context.Context) (ink.Recognizer, error) { return rec, nil })
	model, err := ink.Attach(context.Background(), rt)
	require.NoError(t, err)
	t.Cleanup(model.Close)

	fake := clock.Fake(time.UnixMilli(1000))
	engine := New(NewState("student"), model, WithClock(fake))
	return &fixture{engine: engine, model: model, rec: rec, clock: fake}
}

func points(n int) []protocol.Symbol {
	out := make([]protocol.Symbol, n)
	for i := range out {
		out[i] = protocol.Symbol(fmt.Sprintf(`{"p":%d}`, i+1))
	}
	return out
}

func record(id string, ts int64, base *int, syms []protocol.Symbol) protocol.SnapshotRecord {
	return protocol.SnapshotRecord{
		Snapshot: &protocol.InkSnapshot{
			Symbols:         syms,
			SnapshotID:      id,
			Version:         ts,
			BaseSymbolCount: base,
		},
		TS:             ts,
		Reason:         protocol.ReasonUpdate,
		OriginClientID: "teacher",
	}
}

func (f *fixture) apply(t *testing.T, rec protocol.SnapshotRecord) Outcome {
	t.Helper()
	out, err := f.engine.Apply(context.Background(), rec)
	require.NoError(t, err)
	return out
}

func TestFullThenDeltaScenario(t *testing.T) {
	f := newFixture(t)

	out := f.apply(t, record("s1", 10, protocol.Base(protocol.FullSnapshot), points(3)))
	assert.Equal(t, FullRebuilt, out)
	assert.Equal(t, 3, f.model.SymbolCount())

	out = f.apply(t, record("s2", 20, protocol.Base(3), points(4)))
	assert.Equal(t, DeltaApplied, out)
	assert.Equal(t, points(4), f.model.Symbols())

	st := f.engine.State()
	assert.Equal(t, int64(20), st.LastAppliedVersion)
	assert.Equal(t, int64(20), st.LastGlobalUpdateTS)
	assert.Equal(t, 4, st.LocalSymbolCount)
	require.NotNil(t, st.Latest)
	assert.True(t, st.Latest.Snapshot.IsFull())
	assert.Len(t, st.Latest.Snapshot.Symbols, 4)
}

func TestDeltaMatchesDirectFull(t *testing.T) {
	for _, tc := range []struct{ n, m int }{{0, 1}, {1, 2}, {5, 3}} {
		t.Run(fmt.Sprintf("%d+%d", tc.n, tc.m), func(t *testing.T) {
			viaDelta := newFixture(t)
			viaDelta.apply(t, record("a", 1, protocol.Base(protocol.FullSnapshot), points(tc.n)))
			viaDelta.apply(t, record("b", 2, protocol.Base(tc.n), points(tc.n+tc.m)))

			direct := newFixture(t)
			direct.apply(t, record("c", 1, protocol.Base(protocol.FullSnapshot), points(tc.n+tc.m)))

			assert.Equal(t, tc.n+tc.m, viaDelta.model.SymbolCount())
			assert.Equal(t, direct.model.Symbols(), viaDelta.model.Symbols())
		})
	}
}

func TestIdempotentApply(t *testing.T) {
	f := newFixture(t)
	full := record("s1", 10, protocol.Base(protocol.FullSnapshot), points(2))
	f.apply(t, full)
	delta := record("s2", 11, protocol.Base(2), points(3))
	f.apply(t, delta)
	once := f.model.Symbols()

	assert.Equal(t, Ignored, f.apply(t, delta))
	assert.Equal(t, Ignored, f.apply(t, full))
	assert.Equal(t, once, f.model.Symbols())
}

func TestStaleUpdatesNeverRegress(t *testing.T) {
	onlyNewer := newFixture(t)
	onlyNewer.apply(t, record("t2", 20, protocol.Base(protocol.FullSnapshot), points(5)))

	reordered := newFixture(t)
	reordered.apply(t, record("t2", 20, protocol.Base(protocol.FullSnapshot), points(5)))
	assert.Equal(t, Ignored, reordered.apply(t, record("t1", 10, protocol.Base(protocol.FullSnapshot), points(2))))

	assert.Equal(t, onlyNewer.model.Symbols(), reordered.model.Symbols())
	assert.Equal(t, int64(20), reordered.engine.State().LastGlobalUpdateTS)
}

func TestEqualTimestampIsNewer(t *testing.T) {
	f := newFixture(t)
	f.apply(t, record("a", 10, protocol.Base(protocol.FullSnapshot), points(1)))
	assert.Equal(t, FullRebuilt, f.apply(t, record("b", 10, protocol.Base(protocol.FullSnapshot), points(2))))
}

func TestOlderClearStillApplies(t *testing.T) {
	f := newFixture(t)
	f.apply(t, record("a", 10, protocol.Base(protocol.FullSnapshot), points(3)))

	clear := record("c", 5, nil, nil)
	clear.Reason = protocol.ReasonClear
	assert.Equal(t, ClearApplied, f.apply(t, clear))
	assert.Zero(t, f.model.SymbolCount())
	assert.Equal(t, int64(10), f.engine.State().LastGlobalUpdateTS)
	assert.Equal(t, protocol.ReasonClear, f.engine.State().Latest.Reason)
}

func TestTargetAndEchoFiltering(t *testing.T) {
	f := newFixture(t)

	other := record("a", 10, protocol.Base(protocol.FullSnapshot), points(1))
	other.TargetClientID = "someone-else"
	assert.Equal(t, Ignored, f.apply(t, other))

	echo := record("b", 10, protocol.Base(protocol.FullSnapshot), points(1))
	echo.OriginClientID = "student"
	assert.Equal(t, Ignored, f.apply(t, echo))

	addressed := record("c", 10, protocol.Base(protocol.FullSnapshot), points(1))
	addressed.OriginClientID = "student"
	addressed.TargetClientID = "student"
	assert.Equal(t, FullRebuilt, f.apply(t, addressed))
}

func TestUnsafeDeltaFallsBackToRebuild(t *testing.T) {
	cases := map[string]struct {
		local   int
		base    int
		payload int
	}{
		"base beyond local":   {local: 1, base: 3, payload: 4},
		"payload below base":  {local: 3, base: 3, payload: 2},
		"local ahead of base": {local: 4, base: 2, payload: 3},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			if tc.local > 0 {
				f.rec.Draw(points(tc.local)...)
			}
			out := f.apply(t, record("x", 1, protocol.Base(tc.base), points(tc.payload)))
			assert.Equal(t, FullRebuilt, out)
			assert.Equal(t, points(tc.payload), f.model.Symbols())
		})
	}
}

func TestLegacySnapshots(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, Ignored, f.apply(t, record("a", 1, nil, nil)))

	assert.Equal(t, DeltaApplied, f.apply(t, record("b", 2, nil, points(2))))
	assert.Equal(t, 2, f.model.SymbolCount())

	assert.Equal(t, FullRebuilt, f.apply(t, record("c", 3, nil, points(1))))
	assert.Equal(t, points(1), f.model.Symbols())

	assert.Equal(t, FullRebuilt, f.apply(t, record("d", 4, nil, points(1))))
}

func TestFailedDeltaRetriesThenRebuilds(t *testing.T) {
	f := newFixture(t)
	f.apply(t, record("a", 1, protocol.Base(protocol.FullSnapshot), points(2)))

	for i := 0; i <= DefaultDeltaRetries; i++ {
		f.rec.FailNext("import", errors.New("busy"))
	}
	out := f.apply(t, record("b", 2, protocol.Base(2), points(4)))
	assert.Equal(t, FullRebuilt, out)
	assert.Equal(t, points(4), f.model.Symbols())
}

func TestFailedDeltaRecoversOnRetry(t *testing.T) {
	f := newFixture(t)
	f.apply(t, record("a", 1, protocol.Base(protocol.FullSnapshot), points(2)))

	f.rec.FailNext("import", errors.New("busy"))
	out := f.apply(t, record("b", 2, protocol.Base(2), points(3)))
	assert.Equal(t, DeltaApplied, out)
	assert.Equal(t, points(3), f.model.Symbols())
}

func TestFailedRebuildDropsWithoutCorruption(t *testing.T) {
	f := newFixture(t)
	f.apply(t, record("a", 1, protocol.Base(protocol.FullSnapshot), points(2)))
	before := f.engine.State().LastGlobalUpdateTS

	f.rec.FailNext("import", errors.New("engine down"))
	out, err := f.engine.Apply(context.Background(), record("b", 2, protocol.Base(protocol.FullSnapshot), points(5)))
	require.Error(t, err)
	assert.Equal(t, Ignored, out)
	assert.Equal(t, points(2), f.model.Symbols())
	assert.Equal(t, before, f.engine.State().LastGlobalUpdateTS)
	assert.False(t, f.engine.State().Applied.Has("b"))
}

func TestGuardWindowSuppressesRebroadcast(t *testing.T) {
	f := newFixture(t)
	f.apply(t, record("a", 1, protocol.Base(protocol.FullSnapshot), points(1)))
	st := f.engine.State()
	assert.True(t, st.Suppressed(f.clock.Now()))

	f.clock.Advance(DefaultGuardWindow)
	assert.False(t, st.Suppressed(f.clock.Now()))
}

func TestResyncIgnoresStalenessAndLocalEdits(t *testing.T) {
	f := newFixture(t)
	f.apply(t, record("a", 50, protocol.Base(protocol.FullSnapshot), points(3)))
	f.rec.Draw(protocol.Symbol(`{"local":true}`))

	authority := record("a", 40, protocol.Base(protocol.FullSnapshot), points(3))
	require.NoError(t, f.engine.Resync(authority))
	assert.Equal(t, points(3), f.model.Symbols())
	assert.Equal(t, int64(50), f.engine.State().LastGlobalUpdateTS)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delta-applied", DeltaApplied.String())
	assert.Equal(t, "ignored", Ignored.String())
	assert.False(t, Ignored.Applied())
}
