package overstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-overline/overline"
)

func newMemorySQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewSQLiteStore(db, nil)
	require.NoError(t, err)
	return s
}

func testDurableStore(t *testing.T, s overline.DurableStore) {
	ctx := context.Background()

	_, found, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Set(ctx, "mutation/00000000000000000002", []byte(`{"b":2}`)))
	require.NoError(t, s.Set(ctx, "mutation/00000000000000000001", []byte(`{"a":1}`)))
	require.NoError(t, s.Set(ctx, "cache/current", []byte("cache/snapshot/x")))
	require.NoError(t, s.Set(ctx, "empty", nil))

	v, found, err := s.Get(ctx, "mutation/00000000000000000001")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"a":1}`, string(v))

	v, found, err = s.Get(ctx, "empty")
	require.NoError(t, err)
	require.True(t, found, "an empty value is still present")
	require.Empty(t, v)

	// Overwrite.
	require.NoError(t, s.Set(ctx, "cache/current", []byte("cache/snapshot/y")))
	v, _, err = s.Get(ctx, "cache/current")
	require.NoError(t, err)
	require.Equal(t, "cache/snapshot/y", string(v))

	keys, err := s.Keys(ctx, "mutation/")
	require.NoError(t, err)
	require.Equal(t, []string{"mutation/00000000000000000001", "mutation/00000000000000000002"}, keys)

	keys, err = s.Keys(ctx, "nothing/")
	require.NoError(t, err)
	require.Empty(t, keys)

	require.NoError(t, s.Delete(ctx, "mutation/00000000000000000001"))
	require.NoError(t, s.Delete(ctx, "mutation/00000000000000000001"), "deleting a missing key is fine")
	_, found, err = s.Get(ctx, "mutation/00000000000000000001")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSQLiteStore(t *testing.T) {
	testDurableStore(t, newMemorySQLite(t))
}

func TestMemoryStore(t *testing.T) {
	testDurableStore(t, NewMemoryStore())
}

func TestSQLiteStoreKeysTreatsPrefixLiterally(t *testing.T) {
	ctx := context.Background()
	s := newMemorySQLite(t)
	require.NoError(t, s.Set(ctx, "a%b/1", []byte("1")))
	require.NoError(t, s.Set(ctx, "axb/1", []byte("2")))
	keys, err := s.Keys(ctx, "a%b/")
	require.NoError(t, err)
	require.Equal(t, []string{"a%b/1"}, keys)
}

func TestMemoryStoreFailWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("disk full")
	s.FailWrites(boom)
	require.ErrorIs(t, s.Set(ctx, "k", []byte("v")), boom)
	require.ErrorIs(t, s.Delete(ctx, "k"), boom)
	s.FailWrites(nil)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.Equal(t, 1, s.Len())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'x'
	v, _, _ := s.Get(ctx, "k")
	require.Equal(t, "abc", string(v))
	v[0] = 'y'
	v2, _, _ := s.Get(ctx, "k")
	require.Equal(t, "abc", string(v2))
}

// The queue written through one process is fully visible after the file is reopened.
func TestSQLiteStorePersistsQueueAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "overline.db")

	s, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	q, err := overline.OpenMutationQueue(ctx, s, overline.QueueOptions{})
	require.NoError(t, err)
	rec, err := q.Enqueue(ctx, overline.MutationInput{
		TargetEntity: "case-1",
		Kind:         overline.KindCreate,
		Payload:      json.RawMessage(`{"title":"Intake"}`),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	defer s2.Close()
	q2, err := overline.OpenMutationQueue(ctx, s2, overline.QueueOptions{})
	require.NoError(t, err)
	got, ok := q2.Get(rec.ID)
	require.True(t, ok)
	require.Equal(t, overline.StateQueued, got.State)
	require.JSONEq(t, `{"title":"Intake"}`, string(got.Payload))
	require.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond)
}
