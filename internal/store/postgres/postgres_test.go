package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabink/internal/protocol"
	"collabink/internal/store"
)

// Set COLLABINK_TEST_DATABASE_URL to run these against a real database.
func connect(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("COLLABINK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("COLLABINK_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestDiagrams(t *testing.T) {
	s := connect(t)
	ctx := context.Background()
	session := "test-" + uuid.NewString()

	d, err := s.CreateDiagram(ctx, protocol.Diagram{SessionID: session, Title: "Cell"})
	require.NoError(t, err)

	ann := protocol.Annotations{
		Strokes: []protocol.Stroke{{ID: "s1", Color: "#000", Width: 2, Points: []protocol.Point{{X: 0.1, Y: 0.2}}}},
		Arrows:  []protocol.Arrow{},
	}
	require.NoError(t, s.PatchAnnotations(ctx, d.ID, ann))
	url := "https://img/cell.png"
	require.NoError(t, s.PatchDiagram(ctx, d.ID, store.DiagramPatch{ImageURL: &url}))

	list, err := s.ListDiagrams(ctx, session)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Cell", list[0].Title)
	assert.Equal(t, url, list[0].ImageURL)
	assert.Equal(t, ann, list[0].Annotations)

	require.NoError(t, s.DeleteDiagram(ctx, d.ID))
	assert.ErrorIs(t, s.DeleteDiagram(ctx, d.ID), store.ErrNotFound)
}

func TestTypesets(t *testing.T) {
	s := connect(t)
	ctx := context.Background()
	session := "test-" + uuid.NewString()

	_, err := s.LoadTypeset(ctx, session)
	assert.ErrorIs(t, err, store.ErrNotFound)

	saved := store.Typeset{SessionID: session, Latex: "x", UpdatedAt: time.UnixMilli(1000).UTC()}
	require.NoError(t, s.SaveTypeset(ctx, saved))
	saved.Latex = "x^2"
	require.NoError(t, s.SaveTypeset(ctx, saved))

	got, err := s.LoadTypeset(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, "x^2", got.Latex)
	assert.True(t, saved.UpdatedAt.Equal(got.UpdatedAt))
}
