package manifest

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	dir, err := os.MkdirTemp("", "manifest-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := NewStore(dir, 1024)
	require.NoError(t, err)
	return s
}

func TestMergeAddsNewEntries(t *testing.T) {
	s := newTestStore(t)

	added, err := s.Merge([]string{"a.txt", "b.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, added)

	entries, err := s.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, entries)
}

func TestMergeIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	m := []string{"a.txt", "b.txt", "c.txt"}
	_, err := s.Merge(m)
	require.NoError(t, err)

	first, err := s.Entries()
	require.NoError(t, err)

	added, err := s.Merge(m)
	require.NoError(t, err)
	assert.Nil(t, added)

	second, err := s.Entries()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMergePreservesOrderAndAppendsOnly(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Merge([]string{"a.txt"})
	require.NoError(t, err)

	added, err := s.Merge([]string{"a.txt", "b.txt", "c.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt", "c.txt"}, added)

	entries, err := s.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, entries)
}

func TestHashChangesOnMerge(t *testing.T) {
	s := newTestStore(t)

	empty, err := s.Hash()
	require.NoError(t, err)

	_, err = s.Merge([]string{"a.txt"})
	require.NoError(t, err)

	after, err := s.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, empty, after)
}

func TestInfoReflectsCurrentContent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Merge([]string{"a.txt"})
	require.NoError(t, err)

	info, err := s.Info()
	require.NoError(t, err)
	assert.Equal(t, int64(len("a.txt")), info.FileSize)
}
