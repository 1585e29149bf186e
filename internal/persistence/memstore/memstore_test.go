package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill-org/flowmill/internal/persistence"
)

func TestCreateGet(t *testing.T) {
	ctx := context.Background()
	st := New()

	version, err := st.Create(ctx, "a", []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	data, version, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"x":1}`), data)
	assert.Equal(t, int64(1), version)
}

func TestCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	st := New()

	_, err := st.Create(ctx, "a", []byte(`1`))
	require.NoError(t, err)
	_, err = st.Create(ctx, "a", []byte(`2`))
	require.ErrorIs(t, err, persistence.ErrAlreadyExists)
}

func TestGetMissing(t *testing.T) {
	_, _, err := New().Get(context.Background(), "missing")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestUpdateVersionCheck(t *testing.T) {
	ctx := context.Background()
	st := New()

	v1, err := st.Create(ctx, "a", []byte(`1`))
	require.NoError(t, err)

	v2, err := st.Update(ctx, "a", []byte(`2`), v1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	// Stale version is rejected.
	_, err = st.Update(ctx, "a", []byte(`3`), v1)
	require.ErrorIs(t, err, persistence.ErrVersionConflict)

	// Missing record is reported distinctly.
	_, err = st.Update(ctx, "missing", []byte(`3`), 1)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := New()

	_, err := st.Create(ctx, "a", []byte(`1`))
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, "a"))
	require.NoError(t, st.Delete(ctx, "a"))

	_, _, err = st.Get(ctx, "a")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	st := New()

	for _, id := range []string{"job:1", "job:2", "task:1"} {
		_, err := st.Create(ctx, id, []byte(`{}`))
		require.NoError(t, err)
	}

	ids, err := st.List(ctx, "job:")
	require.NoError(t, err)
	assert.Equal(t, []string{"job:1", "job:2"}, ids)
}
