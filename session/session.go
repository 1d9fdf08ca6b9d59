// Package session holds the state of one editing session: prompt fragments, the last
// composed prompt and the code artifact.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fragment names one part of the composed prompt.
type Fragment string

const (
	DataPipeline Fragment = "datapipeline"
	Strategy     Fragment = "strategy"
	Analyzers    Fragment = "analyzers"
	Custom       Fragment = "custom"
)

// Order is the fixed concatenation order used when composing.
var Order = []Fragment{DataPipeline, Strategy, Analyzers, Custom}

// ParseFragment accepts the canonical names plus a few spellings users type.
func ParseFragment(s string) (Fragment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "datapipeline", "data-pipeline", "data_pipeline", "data":
		return DataPipeline, nil
	case "strategy":
		return Strategy, nil
	case "analyzers", "analysers", "analyzer", "analyser":
		return Analyzers, nil
	case "custom":
		return Custom, nil
	}
	return "", fmt.Errorf("unknown fragment %q", s)
}

// Fragments maps every fragment to its current value. Missing entries read as "".
type Fragments map[Fragment]string

// Combined concatenates all fragment values in Order. Empty fragments contribute nothing.
func (f Fragments) Combined() string {
	var sb strings.Builder
	for _, name := range Order {
		sb.WriteString(f[name])
	}
	return sb.String()
}

// Clone returns an independent snapshot.
func (f Fragments) Clone() Fragments {
	out := make(Fragments, len(Order))
	for _, name := range Order {
		out[name] = f[name]
	}
	return out
}

// Session is caller-owned; it is not safe for concurrent use.
type Session struct {
	ID          string    `json:"id"`
	ProjectName string    `json:"project_name"`
	Fragments   Fragments `json:"fragments"`
	Prompt      string    `json:"prompt"`
	Code        string    `json:"code"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// New returns an empty session with every fragment set to "".
func New(projectName string) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		ProjectName: projectName,
		Fragments:   Fragments{},
	}
	for _, name := range Order {
		s.Fragments[name] = ""
	}
	s.touch()
	return s
}

// Set overwrites one fragment.
func (s *Session) Set(name Fragment, value string) {
	if s.Fragments == nil {
		s.Fragments = Fragments{}
	}
	s.Fragments[name] = value
	s.touch()
}

func (s *Session) Get(name Fragment) string {
	return s.Fragments[name]
}

func (s *Session) SetPrompt(p string) {
	s.Prompt = p
	s.touch()
}

func (s *Session) SetCode(code string) {
	s.Code = code
	s.touch()
}

// Snapshot returns a deep copy.
func (s *Session) Snapshot() Session {
	c := *s
	c.Fragments = s.Fragments.Clone()
	return c
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now()
}
