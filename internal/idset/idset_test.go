package idset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCollapsesDuplicates(t *testing.T) {
	s := New("2", "1", "2", "3", "1")
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"1", "2", "3"}, s.Sorted())
}

func TestMinusAndEqual(t *testing.T) {
	a := New("1", "2", "3")
	b := New("2", "4")

	assert.Equal(t, []string{"1", "3"}, a.Minus(b))
	assert.Equal(t, []string{"4"}, b.Minus(a))
	assert.Empty(t, a.Minus(a))

	assert.True(t, a.Equal(New("3", "2", "1")))
	assert.False(t, a.Equal(b))
}

func TestCloneIsIndependent(t *testing.T) {
	a := New("1")
	c := a.Clone()
	c.Add("2")

	assert.False(t, a.Has("2"))
	assert.True(t, c.Has("2"))

	var nilSet Set
	assert.Equal(t, 0, nilSet.Clone().Len())
	assert.False(t, nilSet.Has("1"))
}
