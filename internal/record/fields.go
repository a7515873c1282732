package record

import (
	"fmt"
	"math"
	"time"

	"github.com/harunnryd/reveille/internal/errors"
)

// String returns doc[key] when it is a string, "" otherwise.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

func (d Document) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Int accepts JSON numbers; fractional values are truncated.
func (d Document) Int(key string) (int, bool) {
	switch v := d[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func (d Document) Map(key string) Document {
	switch v := d[key].(type) {
	case map[string]any:
		return Document(v)
	case Document:
		return v
	}
	return nil
}

// Time parses doc[key]. A missing or null field yields the zero time and no
// error; a present but undecodable one is ErrMalformedRecord.
func (d Document) Time(key string) (time.Time, error) {
	raw, ok := d[key]
	if !ok || raw == nil {
		return time.Time{}, nil
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, errors.Malformed(fmt.Sprintf("field %s is %T, want timestamp string", key, raw))
	}
	return ParseTime(s)
}
