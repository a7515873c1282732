package record

import (
	"context"
	"sync"
)

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Document)}
}

func (s *MemoryStore) Get(ctx context.Context, collection, key string) (Document, error) {
	if err := validateKey(collection, key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][key]
	if !ok {
		return nil, notFound(collection, key)
	}
	return normalize(doc)
}

func (s *MemoryStore) Set(ctx context.Context, collection, key string, doc Document) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(collection)[key] = normalized
	return nil
}

func (s *MemoryStore) Merge(ctx context.Context, collection, key string, fields Document) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.bucket(collection)
	merged, err := applyMerge(bucket[key], fields)
	if err != nil {
		return err
	}
	bucket[key] = merged
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, key string) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, collection string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.collections[collection]))
	for key, doc := range s.collections[collection] {
		copied, err := normalize(doc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: key, Doc: copied})
	}
	sortEntries(entries)
	return entries, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) bucket(collection string) map[string]Document {
	bucket, ok := s.collections[collection]
	if !ok {
		bucket = make(map[string]Document)
		s.collections[collection] = bucket
	}
	return bucket
}
