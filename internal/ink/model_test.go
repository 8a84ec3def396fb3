package ink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabink/internal/clock"
	"collabink/internal/protocol"
)

func sym(s string) protocol.Symbol { return protocol.Symbol(`{"char":"` + s + `"}`) }

func attach(t *testing.T, opts ...Option) (*Model, *Runtime, *[]*MemoryRecognizer) {
	t.Helper()
	var made []*MemoryRecognizer
	rt := NewRuntime(func(context.Context) (Recognizer, error) {
		rec := NewMemoryRecognizer()
		made = append(made, rec)
		return rec, nil
	})
	m, err := Attach(context.Background(), rt, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, rt, &made
}

func TestRuntimeRefCounting(t *testing.T) {
	inits := 0
	rt := NewRuntime(func(context.Context) (Recognizer, error) {
		inits++
		return NewMemoryRecognizer(), nil
	})

	a, releaseA, err := rt.Acquire(context.Background())
	require.NoError(t, err)
	b, releaseB, err := rt.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, inits)
	assert.Equal(t, 2, rt.Refs())

	releaseA()
	releaseA()
	assert.Equal(t, 1, rt.Refs())
	releaseB()
	assert.Equal(t, 0, rt.Refs())

	_, releaseC, err := rt.Acquire(context.Background())
	require.NoError(t, err)
	defer releaseC()
	assert.Equal(t, 2, inits)
}

func TestRuntimeFactoryError(t *testing.T) {
	rt := NewRuntime(func(context.Context) (Recognizer, error) {
		return nil, ErrMissingCredentials
	})
	_, err := Attach(context.Background(), rt)
	require.ErrorIs(t, err, ErrMissingCredentials)
	assert.Zero(t, rt.Refs())
}

func TestModelSymbolsAreCopies(t *testing.T) {
	m, _, made := attach(t)
	(*made)[0].Draw(sym("a"))

	got := m.Symbols()
	got[0][0] = 'X'
	assert.Equal(t, string(sym("a")), string(m.Symbols()[0]))
	assert.Equal(t, 1, m.SymbolCount())
}

func TestModelRebuildRestoresOnFailure(t *testing.T) {
	m, _, made := attach(t)
	rec := (*made)[0]
	rec.Draw(sym("a"), sym("b"))

	rec.FailNext("import", errors.New("engine busy"))
	err := m.Rebuild([]protocol.Symbol{sym("x")})
	require.Error(t, err)
	assert.Equal(t, []protocol.Symbol{sym("a"), sym("b")}, m.Symbols())
}

func TestModelRebuildLeavesEmptyWhenRestoreFails(t *testing.T) {
	m, _, made := attach(t)
	rec := (*made)[0]
	rec.Draw(sym("a"))

	rec.FailNext("import", errors.New("first"))
	rec.FailNext("import", errors.New("restore"))
	require.Error(t, m.Rebuild([]protocol.Symbol{sym("x"), sym("y")}))
	assert.Zero(t, m.SymbolCount())
}

func TestModelSessionExpiredReinitialisesSilently(t *testing.T) {
	m, _, made := attach(t)
	(*made)[0].Draw(sym("a"))
	surfaced := 0
	m.OnError(func(error) { surfaced++ })

	(*made)[0].FailNext("import", ErrSessionExpired)
	require.NoError(t, m.Import([]protocol.Symbol{sym("b")}))

	require.Len(t, *made, 2)
	assert.Equal(t, []protocol.Symbol{sym("a"), sym("b")}, m.Symbols())
	assert.Zero(t, surfaced)
	assert.NoError(t, m.LastError())
	assert.Zero(t, (*made)[0].Listeners())
	assert.Equal(t, 1, (*made)[1].Listeners())
}

func TestModelTransientErrorExpires(t *testing.T) {
	fake := clock.Fake(time.Unix(100, 0))
	m, _, made := attach(t, WithClock(fake))

	(*made)[0].FailNext("convert", errors.New("network hiccup"))
	require.Error(t, m.Convert())
	assert.ErrorContains(t, m.LastError(), "network hiccup")

	fake.Advance(TransientErrorTTL)
	assert.NoError(t, m.LastError())
}

func TestModelFatalErrorSticks(t *testing.T) {
	m, _, made := attach(t)
	(*made)[0].FailNext("resize", ErrUnauthorized)
	require.ErrorIs(t, m.Resize(10, 10), ErrUnauthorized)
	assert.ErrorIs(t, m.Clear(), ErrUnauthorized)
	assert.ErrorIs(t, m.LastError(), ErrUnauthorized)
}

func TestModelSubscriptionsAndClose(t *testing.T) {
	rt := NewRuntime(MemoryFactory)
	m, err := Attach(context.Background(), rt)
	require.NoError(t, err)

	changes := 0
	sub := m.OnChanged(func() { changes++ })
	var exported Exports
	m.OnExported(func(e Exports) { exported = e })

	require.NoError(t, m.Import([]protocol.Symbol{sym("x"), sym("2")}))
	require.NoError(t, m.Convert())
	assert.Equal(t, 1, changes)
	assert.Equal(t, "x2", exported.Latex)
	assert.Equal(t, "x2", m.Exports().Latex)

	sub.Cancel()
	sub.Cancel()
	require.NoError(t, m.Clear())
	assert.Equal(t, 1, changes)

	m.Close()
	assert.Zero(t, rt.Refs())
	assert.ErrorIs(t, m.Clear(), ErrNoModel)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Fatal, Classify(ErrMissingCredentials))
	assert.Equal(t, Fatal, Classify(errors.Join(errors.New("ctx"), ErrUnauthorized)))
	assert.Equal(t, SessionExpired, Classify(ErrSessionExpired))
	assert.Equal(t, Transient, Classify(errors.New("timeout")))
	assert.Equal(t, "session-expired", SessionExpired.String())
}

func TestMemoryUndoRedo(t *testing.T) {
	rec := NewMemoryRecognizer()
	rec.Draw(sym("a"))
	rec.Draw(sym("b"))
	require.NoError(t, rec.Undo())
	assert.Len(t, rec.Symbols(), 1)
	require.NoError(t, rec.Redo())
	assert.Len(t, rec.Symbols(), 2)
}
