package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabink/internal/protocol"
	"collabink/internal/store"
)

func TestDiagramLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	d, err := s.CreateDiagram(ctx, protocol.Diagram{SessionID: "room", Title: "Cell"})
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.NotNil(t, d.Annotations.Strokes)

	_, err = s.CreateDiagram(ctx, protocol.Diagram{SessionID: "other"})
	require.NoError(t, err)

	title := "Plant cell"
	require.NoError(t, s.PatchDiagram(ctx, d.ID, store.DiagramPatch{Title: &title}))
	ann := protocol.Annotations{Strokes: []protocol.Stroke{{ID: "s1", Points: []protocol.Point{{X: 0.1, Y: 0.2}}}}}
	require.NoError(t, s.PatchAnnotations(ctx, d.ID, ann))
	ann.Strokes[0].Points[0].X = 0.9

	list, err := s.ListDiagrams(ctx, "room")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Plant cell", list[0].Title)
	assert.Equal(t, 0.1, list[0].Annotations.Strokes[0].Points[0].X)

	require.NoError(t, s.DeleteDiagram(ctx, d.ID))
	list, err = s.ListDiagrams(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, s.DeleteDiagram(ctx, d.ID), store.ErrNotFound)
	assert.ErrorIs(t, s.PatchDiagram(ctx, d.ID, store.DiagramPatch{}), store.ErrNotFound)
	assert.ErrorIs(t, s.PatchAnnotations(ctx, d.ID, ann), store.ErrNotFound)
}

func TestTypeset(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.LoadTypeset(ctx, "room")
	assert.ErrorIs(t, err, store.ErrNotFound)

	saved := store.Typeset{SessionID: "room", Latex: "x^2", UpdatedAt: time.UnixMilli(5)}
	require.NoError(t, s.SaveTypeset(ctx, saved))
	got, err := s.LoadTypeset(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, saved, got)
}

func TestInjectedError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")
	s.Err = boom

	_, err := s.CreateDiagram(ctx, protocol.Diagram{})
	assert.ErrorIs(t, err, boom)
	_, err = s.ListDiagrams(ctx, "room")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.SaveTypeset(ctx, store.Typeset{}), boom)
}
