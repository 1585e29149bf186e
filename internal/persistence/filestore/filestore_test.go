package filestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill-org/flowmill/internal/persistence"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	v1, err := st.Create(ctx, "job:abc", []byte(`{"name":"demo"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	data, version, err := st.Get(ctx, "job:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"demo"}`, string(data))
	assert.Equal(t, v1, version)

	v2, err := st.Update(ctx, "job:abc", []byte(`{"name":"demo2"}`), v1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	data, _, err = st.Get(ctx, "job:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"demo2"}`, string(data))
}

func TestVersionConflict(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	v1, err := st.Create(ctx, "a", []byte(`1`))
	require.NoError(t, err)
	_, err = st.Update(ctx, "a", []byte(`2`), v1)
	require.NoError(t, err)

	_, err = st.Update(ctx, "a", []byte(`3`), v1)
	require.ErrorIs(t, err, persistence.ErrVersionConflict)
}

func TestCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	_, err := st.Create(ctx, "a", []byte(`1`))
	require.NoError(t, err)
	_, err = st.Create(ctx, "a", []byte(`1`))
	require.ErrorIs(t, err, persistence.ErrAlreadyExists)
}

func TestMissingRecord(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	_, _, err := st.Get(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrNotFound)

	_, err = st.Update(ctx, "missing", []byte(`1`), 1)
	require.ErrorIs(t, err, persistence.ErrNotFound)

	require.NoError(t, st.Delete(ctx, "missing"))
}

func TestListEscapedIDs(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	// Ids contain separators that must not leak into the path.
	for _, id := range []string{"job:1", "job:1:task/a", "sched:x"} {
		_, err := st.Create(ctx, id, []byte(`{}`))
		require.NoError(t, err)
	}

	ids, err := st.List(ctx, "job:")
	require.NoError(t, err)
	assert.Equal(t, []string{"job:1", "job:1:task/a"}, ids)
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := New(dir)
	require.NoError(t, err)
	v1, err := st.Create(ctx, "a", []byte(`{"n":1}`))
	require.NoError(t, err)

	st2, err := New(dir)
	require.NoError(t, err)
	data, version, err := st2.Get(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(data))
	assert.Equal(t, v1, version)
}
