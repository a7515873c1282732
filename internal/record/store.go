// Package record is the keyed-document persistence layer shared by triggers,
// session locks, owner profiles and device conversations.
package record

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/harunnryd/reveille/internal/errors"
)

// Document is a JSON-shaped record. Values read back from any backend have
// JSON types: string, float64, bool, nil, []any, map[string]any.
type Document map[string]any

type Entry struct {
	Key string
	Doc Document
}

type deleteMarker struct{}

// DeleteField, used as a Merge value, removes that field from the document.
var DeleteField any = deleteMarker{}

type Store interface {
	// Get returns errors.ErrNotFound when the key is absent.
	Get(ctx context.Context, collection, key string) (Document, error)
	Set(ctx context.Context, collection, key string, doc Document) error
	// Merge applies a shallow top-level merge, creating the document when absent.
	Merge(ctx context.Context, collection, key string, fields Document) error
	// Delete is idempotent.
	Delete(ctx context.Context, collection, key string) error
	// List returns every document of the collection ordered by key.
	List(ctx context.Context, collection string) ([]Entry, error)
	Close() error
}

func notFound(collection, key string) error {
	return errors.NotFound(fmt.Sprintf("%s/%s", collection, key))
}

func validateKey(collection, key string) error {
	if collection == "" || key == "" {
		return errors.InvalidInput(fmt.Sprintf("empty collection or key (%q/%q)", collection, key))
	}
	return nil
}

// normalize round-trips doc through JSON so every backend hands out the same
// value shapes and callers never share maps with the store.
func normalize(doc Document) (Document, error) {
	if doc == nil {
		return Document{}, nil
	}
	data, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("encode document: %v", err))
	}
	return decode(data)
}

func decode(data []byte) (Document, error) {
	out := Document{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Malformed(fmt.Sprintf("decode document: %v", err))
	}
	return out, nil
}

func applyMerge(dst Document, fields Document) (Document, error) {
	if dst == nil {
		dst = Document{}
	}
	set := Document{}
	for k, v := range fields {
		if _, ok := v.(deleteMarker); ok {
			delete(dst, k)
			continue
		}
		set[k] = v
	}
	normalized, err := normalize(set)
	if err != nil {
		return nil, err
	}
	for k, v := range normalized {
		dst[k] = v
	}
	return dst, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
