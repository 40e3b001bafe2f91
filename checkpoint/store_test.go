package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	s := NewMemStore()

	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, s.Save("a", []byte("one")))
	require.NoError(t, s.Save("b", []byte("two")))
	require.NoError(t, s.Save("c", []byte("three")))

	blob, err := s.Load("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), blob)

	_, err = s.Load("missing")
	assert.Error(t, err)

	ids, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	t.Run("overwrite keeps the original position", func(t *testing.T) {
		require.NoError(t, s.Save("a", []byte("one again")))
		ids, err := s.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		blob, err := s.Load("a")
		require.NoError(t, err)
		assert.Equal(t, []byte("one again"), blob)
	})
}

func TestDirStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	s, err := NewDirStore(dir)
	require.NoError(t, err)

	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, s.Save("ckpt-1", []byte(`{"n":1}`)))
	require.NoError(t, s.Save("ckpt-2", []byte(`{"n":2}`)))

	blob, err := s.Load("ckpt-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":1}`), blob)

	_, err = s.Load("never-saved")
	assert.Error(t, err)

	ids, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"ckpt-1", "ckpt-2"}, ids)

	t.Run("reopening sees existing checkpoints", func(t *testing.T) {
		reopened, err := NewDirStore(dir)
		require.NoError(t, err)

		ids, err := reopened.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"ckpt-1", "ckpt-2"}, ids)

		blob, err := reopened.Load("ckpt-2")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"n":2}`), blob)
	})
}
