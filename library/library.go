// Package library loads the prompt library: a table mapping goal codes to prompt templates.
package library

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	KeyColumn    = "goal_code"
	PromptColumn = "prompt"
)

var (
	// ErrNotFound is returned when the library file does not exist.
	ErrNotFound = errors.New("prompt library not found")
	// ErrUnknownKey is returned by Resolve for goal codes absent from the library.
	ErrUnknownKey = errors.New("unknown goal code")
	// ErrMissingColumn is returned when the header lacks goal_code or prompt.
	ErrMissingColumn = errors.New("prompt library column missing")
	// ErrUnusable is returned by lookups on a store that failed to load.
	ErrUnusable = errors.New("prompt library not loaded")
)

// DuplicateKeyError reports a goal code that appears on more than one row.
type DuplicateKeyError struct {
	Key        string
	FirstLine  int
	SecondLine int
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate goal code %q on lines %d and %d", e.Key, e.FirstLine, e.SecondLine)
}

// Entry is one row of the library.
type Entry struct {
	Key  string
	Body string
}

// Store is an immutable goal code -> template map.
type Store struct {
	source  string
	entries map[string]string
}

type options struct {
	enc encoding.Encoding
}

type Option func(*options)

// WithEncoding selects the byte encoding of the library file: "utf-8" (default, BOM tolerated)
// "gbk" or "gb18030".
func WithEncoding(name string) Option {
	return func(o *options) {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "gbk":
			o.enc = simplifiedchinese.GBK
		case "gb18030":
			o.enc = simplifiedchinese.GB18030
		default:
			o.enc = nil
		}
	}
}

// Load reads dir/file. A missing file yields ErrNotFound.
func Load(dir, file string, opts ...Option) (*Store, error) {
	path := filepath.Join(dir, file)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open prompt library: %w", err)
	}
	defer f.Close()

	s, err := Parse(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.source = path
	return s, nil
}

// Parse reads a CSV table with at least the goal_code and prompt columns.
// Extra columns are ignored. Blank keys and duplicate keys fail the load.
func Parse(r io.Reader, opts ...Option) (*Store, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	var dec transform.Transformer = unicode.BOMOverride(unicode.UTF8.NewDecoder())
	if o.enc != nil {
		dec = o.enc.NewDecoder()
	}

	cr := csv.NewReader(transform.NewReader(r, dec))
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrMissingColumn)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	keyIdx, promptIdx := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case KeyColumn:
			keyIdx = i
		case PromptColumn:
			promptIdx = i
		}
	}
	if keyIdx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, KeyColumn)
	}
	if promptIdx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, PromptColumn)
	}

	entries := map[string]string{}
	seen := map[string]int{}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if keyIdx >= len(rec) || promptIdx >= len(rec) {
			return nil, fmt.Errorf("line %d: expected at least %d fields, got %d", line, max(keyIdx, promptIdx)+1, len(rec))
		}
		key := strings.TrimSpace(rec[keyIdx])
		if key == "" {
			return nil, fmt.Errorf("line %d: empty %s", line, KeyColumn)
		}
		if first, dup := seen[key]; dup {
			return nil, &DuplicateKeyError{Key: key, FirstLine: first, SecondLine: line}
		}
		seen[key] = line
		entries[key] = rec[promptIdx]
	}
	return &Store{entries: entries}, nil
}

// New builds a store from entries, applying the same validation as Parse.
func New(entries ...Entry) (*Store, error) {
	m := make(map[string]string, len(entries))
	first := make(map[string]int, len(entries))
	for i, e := range entries {
		key := strings.TrimSpace(e.Key)
		if key == "" {
			return nil, fmt.Errorf("entry %d: empty %s", i, KeyColumn)
		}
		if j, dup := first[key]; dup {
			return nil, &DuplicateKeyError{Key: key, FirstLine: j, SecondLine: i}
		}
		first[key] = i
		m[key] = e.Body
	}
	return &Store{source: "memory", entries: m}, nil
}

// Resolve returns the exact stored template for key.
func (s *Store) Resolve(key string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("resolve %q: %w", key, ErrUnusable)
	}
	body, ok := s.entries[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return body, nil
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s.entries[key]
	return ok
}

// Require checks that every key is present, reporting all missing ones at once.
func (s *Store) Require(keys ...string) error {
	if s == nil {
		return ErrUnusable
	}
	var missing []string
	for _, k := range keys {
		if _, ok := s.entries[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(missing, ", "))
	}
	return nil
}

// Keys returns all goal codes, sorted.
func (s *Store) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Source is the path the store was loaded from.
func (s *Store) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}
