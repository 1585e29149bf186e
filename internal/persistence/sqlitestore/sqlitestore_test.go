package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill-org/flowmill/internal/persistence"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "flowmill.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	v1, err := st.Create(ctx, "job:1", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	data, version, err := st.Get(ctx, "job:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
	assert.Equal(t, v1, version)

	v2, err := st.Update(ctx, "job:1", []byte(`{"a":2}`), v1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)
}

func TestConflictAndMissing(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	v1, err := st.Create(ctx, "a", []byte(`1`))
	require.NoError(t, err)
	_, err = st.Create(ctx, "a", []byte(`1`))
	require.ErrorIs(t, err, persistence.ErrAlreadyExists)

	_, err = st.Update(ctx, "a", []byte(`2`), v1)
	require.NoError(t, err)
	_, err = st.Update(ctx, "a", []byte(`3`), v1)
	require.ErrorIs(t, err, persistence.ErrVersionConflict)

	_, _, err = st.Get(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrNotFound)
	_, err = st.Update(ctx, "missing", []byte(`1`), 1)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	for _, id := range []string{"job:1", "job:2", "task:9"} {
		_, err := st.Create(ctx, id, []byte(`{}`))
		require.NoError(t, err)
	}

	ids, err := st.List(ctx, "job:")
	require.NoError(t, err)
	assert.Equal(t, []string{"job:1", "job:2"}, ids)

	require.NoError(t, st.Delete(ctx, "job:1"))
	require.NoError(t, st.Delete(ctx, "job:1"))

	ids, err = st.List(ctx, "job:")
	require.NoError(t, err)
	assert.Equal(t, []string{"job:2"}, ids)
}
