package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const snapshotVersion = 1

type persistedSession struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Session *Session  `json:"session"`
}

// ErrNoSnapshot is returned by LoadFile when the file does not exist or is empty.
var ErrNoSnapshot = errors.New("no session snapshot")

// LoadFile restores a session saved by SaveFile.
func LoadFile(path string) (*Session, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, ErrNoSnapshot
	}

	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, p)
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoSnapshot, p)
	}

	var v persistedSession
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", p, err)
	}
	if v.Version != snapshotVersion {
		return nil, fmt.Errorf("session %s: unsupported version %d", p, v.Version)
	}
	if v.Session == nil {
		return nil, fmt.Errorf("%w: %s has no session", ErrNoSnapshot, p)
	}
	s := v.Session
	if s.Fragments == nil {
		s.Fragments = Fragments{}
	}
	for _, name := range Order {
		if _, ok := s.Fragments[name]; !ok {
			s.Fragments[name] = ""
		}
	}
	return s, nil
}

// SaveFile writes s as JSON, replacing path atomically.
func SaveFile(path string, s *Session) error {
	p := strings.TrimSpace(path)
	if p == "" {
		return errors.New("empty session path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	snap := s.Snapshot()
	payload := persistedSession{
		Version: snapshotVersion,
		SavedAt: time.Now(),
		Session: &snap,
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dir := filepath.Dir(p)
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(b); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, p)
}
