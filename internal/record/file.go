package record

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/harunnryd/reveille/internal/errors"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

var collectionName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

type FileStoreOptions struct {
	LockTimeout time.Duration
	LockRetry   time.Duration
}

// FileStore keeps one JSON file per collection. Every operation holds an
// advisory lock on <collection>.lock so that separate processes (a cron-run
// scan next to a serving daemon) see whole-document merges.
type FileStore struct {
	dir  string
	opts FileStoreOptions
	mu   sync.Mutex
}

type collectionFile struct {
	Documents map[string]Document `json:"documents"`
}

func NewFileStore(dir string, opts FileStoreOptions) (*FileStore, error) {
	if dir == "" {
		return nil, errors.InvalidInput("file store directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = 100 * time.Millisecond
	}
	return &FileStore{dir: dir, opts: opts}, nil
}

func (s *FileStore) Get(ctx context.Context, collection, key string) (Document, error) {
	if err := validateKey(collection, key); err != nil {
		return nil, err
	}
	var out Document
	err := s.withCollection(ctx, collection, false, func(docs map[string]Document) (bool, error) {
		doc, ok := docs[key]
		if !ok {
			return false, notFound(collection, key)
		}
		out = doc
		return false, nil
	})
	return out, err
}

func (s *FileStore) Set(ctx context.Context, collection, key string, doc Document) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}
	return s.withCollection(ctx, collection, true, func(docs map[string]Document) (bool, error) {
		docs[key] = normalized
		return true, nil
	})
}

func (s *FileStore) Merge(ctx context.Context, collection, key string, fields Document) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	return s.withCollection(ctx, collection, true, func(docs map[string]Document) (bool, error) {
		merged, err := applyMerge(docs[key], fields)
		if err != nil {
			return false, err
		}
		docs[key] = merged
		return true, nil
	})
}

func (s *FileStore) Delete(ctx context.Context, collection, key string) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	return s.withCollection(ctx, collection, true, func(docs map[string]Document) (bool, error) {
		if _, ok := docs[key]; !ok {
			return false, nil
		}
		delete(docs, key)
		return true, nil
	})
}

func (s *FileStore) List(ctx context.Context, collection string) ([]Entry, error) {
	var entries []Entry
	err := s.withCollection(ctx, collection, false, func(docs map[string]Document) (bool, error) {
		entries = make([]Entry, 0, len(docs))
		for key, doc := range docs {
			entries = append(entries, Entry{Key: key, Doc: doc})
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

func (s *FileStore) Close() error { return nil }

// withCollection loads the collection under its file lock, runs fn, and
// rewrites the file atomically when fn reports a change.
func (s *FileStore) withCollection(ctx context.Context, collection string, write bool, fn func(map[string]Document) (bool, error)) error {
	if !collectionName.MatchString(collection) {
		return errors.InvalidInput(fmt.Sprintf("collection name %q", collection))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lock := flock.New(filepath.Join(s.dir, collection+".lock"))
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()

	var locked bool
	var err error
	if write {
		locked, err = lock.TryLockContext(lockCtx, s.opts.LockRetry)
	} else {
		locked, err = lock.TryRLockContext(lockCtx, s.opts.LockRetry)
	}
	if err != nil {
		return fmt.Errorf("lock collection %s: %v: %w", collection, err, errors.ErrConflict)
	}
	if !locked {
		return fmt.Errorf("lock collection %s: held by another process: %w", collection, errors.ErrConflict)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("Failed to release collection lock", "collection", collection, "error", err)
		}
	}()

	path := filepath.Join(s.dir, collection+".json")
	state, err := readCollection(path)
	if err != nil {
		return err
	}

	changed, err := fn(state.Documents)
	if err != nil || !changed {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode collection %s: %w", collection, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write collection %s: %w", collection, err)
	}
	return nil
}

func readCollection(path string) (*collectionFile, error) {
	state := &collectionFile{Documents: make(map[string]Document)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, errors.Malformed(fmt.Sprintf("collection file %s: %v", path, err))
	}
	if state.Documents == nil {
		state.Documents = make(map[string]Document)
	}
	return state, nil
}
