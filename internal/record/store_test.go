package record

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/reveille/internal/config"
	"github.com/harunnryd/reveille/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "data"), FileStoreOptions{LockRetry: 5 * time.Millisecond})
	require.NoError(t, err)

	sqliteStore, err := OpenSQLite(filepath.Join(t.TempDir(), "reveille.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "session_locks", "aa:bb")
			assert.ErrorIs(t, err, errors.ErrNotFound)

			require.NoError(t, store.Set(ctx, "session_locks", "aa:bb", Document{
				"sessionType": "proactive",
				"ttlSeconds":  300,
				"sessionConfig": map[string]any{
					"mode": "morning_alarm",
				},
			}))

			doc, err := store.Get(ctx, "session_locks", "aa:bb")
			require.NoError(t, err)
			assert.Equal(t, "proactive", doc.String("sessionType"))
			ttl, ok := doc.Int("ttlSeconds")
			assert.True(t, ok)
			assert.Equal(t, 300, ttl)
			assert.Equal(t, "morning_alarm", doc.Map("sessionConfig").String("mode"))

			doc["sessionType"] = "mutated"
			again, err := store.Get(ctx, "session_locks", "aa:bb")
			require.NoError(t, err)
			assert.Equal(t, "proactive", again.String("sessionType"), "returned documents must not alias storage")

			require.NoError(t, store.Merge(ctx, "session_locks", "aa:bb", Document{
				"conversation": map[string]any{"id": "thread-1"},
				"ttlSeconds":   DeleteField,
			}))
			merged, err := store.Get(ctx, "session_locks", "aa:bb")
			require.NoError(t, err)
			assert.Equal(t, "proactive", merged.String("sessionType"))
			assert.Equal(t, "thread-1", merged.Map("conversation").String("id"))
			_, has := merged["ttlSeconds"]
			assert.False(t, has)

			require.NoError(t, store.Merge(ctx, "session_locks", "cc:dd", Document{"label": "fresh"}))
			created, err := store.Get(ctx, "session_locks", "cc:dd")
			require.NoError(t, err)
			assert.Equal(t, "fresh", created.String("label"))

			entries, err := store.List(ctx, "session_locks")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "aa:bb", entries[0].Key)
			assert.Equal(t, "cc:dd", entries[1].Key)

			require.NoError(t, store.Delete(ctx, "session_locks", "aa:bb"))
			require.NoError(t, store.Delete(ctx, "session_locks", "aa:bb"))
			_, err = store.Get(ctx, "session_locks", "aa:bb")
			assert.ErrorIs(t, err, errors.ErrNotFound)

			empty, err := store.List(ctx, "nothing_here")
			require.NoError(t, err)
			assert.Empty(t, empty)

			assert.ErrorIs(t, store.Set(ctx, "session_locks", "", Document{}), errors.ErrInvalidInput)
		})
	}
}

func TestStoreConcurrentMerges(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					field := string(rune('a' + i))
					assert.NoError(t, store.Merge(ctx, "triggers", "t1", Document{field: i}))
				}(i)
			}
			wg.Wait()

			doc, err := store.Get(ctx, "triggers", "t1")
			require.NoError(t, err)
			assert.Len(t, doc, 10, "no merge may be lost")
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore(dir, FileStoreOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "profiles", "owner-1", Document{"timezone": "Europe/Berlin"}))

	second, err := NewFileStore(dir, FileStoreOptions{})
	require.NoError(t, err)
	doc, err := second.Get(ctx, "profiles", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", doc.String("timezone"))

	_, err = second.List(ctx, "../escape")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reveille.db")
	store, err := OpenSQLite(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, Migrate(store.db))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path, time.Second)
	require.NoError(t, err)
	defer reopened.Close()

	var versions int
	require.NoError(t, reopened.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&versions))
	assert.Equal(t, 1, versions)
}

func TestOpenSelectsBackend(t *testing.T) {
	store, err := Open(config.StoreConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = Open(config.StoreConfig{Backend: "file", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	store, err = Open(config.StoreConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(config.StoreConfig{Backend: "firestore"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestTimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 2, 6, 30, 0, 123_456_789, time.FixedZone("x", 3600))
	s := FormatTime(ts)
	assert.Equal(t, "2026-03-02T05:30:00.123Z", s)

	parsed, err := ParseTime(s)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts.Truncate(time.Millisecond)))

	parsed, err = ParseTime("2026-03-02T05:30:00")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())

	_, err = ParseTime("yesterday")
	assert.ErrorIs(t, err, errors.ErrMalformedRecord)
}

func TestDocumentTime(t *testing.T) {
	doc := Document{"a": "2026-03-02T05:30:00.000Z", "b": 12.0, "c": nil}

	got, err := doc.Time("a")
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())

	_, err = doc.Time("b")
	assert.ErrorIs(t, err, errors.ErrMalformedRecord)

	zero, err := doc.Time("c")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	zero, err = doc.Time("missing")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}
