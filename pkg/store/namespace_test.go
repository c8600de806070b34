package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)
	ns, err := NewNamespace(db, "Games", 0)
	require.NoError(t, err)

	require.NoError(t, ns.Put("g1", map[string]int{"seqno": 1000}))

	var got map[string]int
	ok, err := ns.Get("g1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1000, got["seqno"])

	require.NoError(t, ns.Delete("g1"))
	ok, err = ns.Get("g1", &got)
	require.NoError(t, err)
	assert.False(t, ok, "deleted key should be absent")
}

func TestIntegerKeys(t *testing.T) {
	db := openTestDB(t)
	ns, err := NewNamespace(db, "CacheMap", 0)
	require.NoError(t, err)

	require.NoError(t, ns.Put(42, "forty-two"))
	var s string
	ok, err := ns.Get(42, &s)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "forty-two", s)

	// Non-atomic keys are rejected.
	err = ns.Put([]string{"x"}, "v")
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestBadName(t *testing.T) {
	db := openTestDB(t)
	_, err := NewNamespace(db, "bad:name", 0)
	assert.ErrorIs(t, err, ErrBadName)
}

func TestSubspaceIsolation(t *testing.T) {
	db := openTestDB(t)
	ns, err := NewNamespace(db, "ClientDB", 0)
	require.NoError(t, err)

	a := ns.Subspace("alpha")
	b := ns.Subspace("beta")
	require.NoError(t, a.Put("k", "in-a"))
	require.NoError(t, b.Put("k", "in-b"))

	var v string
	ok, err := a.Get("k", &v)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "in-a", v)

	keys, err := a.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	// A sibling with a prefix-overlapping name must not leak in.
	ab := ns.Subspace("alphabet")
	require.NoError(t, ab.Put("other", "x"))
	keys, err = a.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

func TestListAndForEach(t *testing.T) {
	db := openTestDB(t)
	ns, err := NewNamespace(db, "QueryCache", 0)
	require.NoError(t, err)

	require.NoError(t, ns.Put("b", 2))
	require.NoError(t, ns.Put("a", 1))
	require.NoError(t, ns.Put("c", 3))

	keys, err := ns.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	seen := 0
	err = ns.ForEach(func(key string, raw []byte) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
}

func TestMetaRecordsNamespaces(t *testing.T) {
	db := openTestDB(t)
	_, err := NewNamespace(db, "Games", 0)
	require.NoError(t, err)
	_, err = NewNamespace(db, "Knowledge", 2)
	require.NoError(t, err)

	infos, err := ListNamespaces(db)
	require.NoError(t, err)
	names := make(map[string]int)
	for _, info := range infos {
		names[info.Name] = info.Version
	}
	assert.Equal(t, 0, names["Games"])
	assert.Equal(t, 2, names["Knowledge"])
	assert.NotContains(t, names, metaName)
}

func TestSharedHandlePerPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db1, err := Open(path)
	require.NoError(t, err)
	defer db1.Close()
	db2, err := Open(path)
	require.NoError(t, err)
	assert.Same(t, db1, db2)
}
