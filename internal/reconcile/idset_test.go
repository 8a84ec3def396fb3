package reconcile

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDSetEvictsOldestFirst(t *testing.T) {
	s := NewIDSet(3)
	for i := 0; i < 3; i++ {
		s.Add(fmt.Sprint(i))
	}
	s.Add("1")
	assert.Equal(t, 3, s.Len())

	s.Add("3")
	assert.False(t, s.Has("0"))
	assert.True(t, s.Has("1"))
	assert.True(t, s.Has("3"))

	s.Add("4")
	assert.False(t, s.Has("1"))
	assert.True(t, s.Has("2"))
	assert.Equal(t, 3, s.Len())
}

func TestIDSetDefaultCapacity(t *testing.T) {
	s := NewIDSet(0)
	for i := 0; i <= DefaultIDSetCapacity; i++ {
		s.Add(fmt.Sprint("id-", i))
	}
	assert.Equal(t, DefaultIDSetCapacity, s.Len())
	assert.False(t, s.Has("id-0"))
	assert.True(t, s.Has("id-1"))
}
