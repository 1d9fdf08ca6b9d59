package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionStartsEmpty(t *testing.T) {
	s := New("myBacktest")
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "myBacktest", s.ProjectName)
	for _, name := range Order {
		v, ok := s.Fragments[name]
		assert.True(t, ok, "fragment %s should exist", name)
		assert.Empty(t, v)
	}
	assert.Empty(t, s.Fragments.Combined())
}

func TestCombinedUsesFixedOrder(t *testing.T) {
	f := Fragments{
		Custom:       "D",
		Analyzers:    "C",
		DataPipeline: "A",
		Strategy:     "B",
	}
	assert.Equal(t, "ABCD", f.Combined())

	delete(f, Strategy)
	assert.Equal(t, "ACD", f.Combined())
}

func TestSetIsLastWriteWins(t *testing.T) {
	s := New("p")
	s.Set(Strategy, "X")
	s.Set(Strategy, "Y")
	assert.Equal(t, "Y", s.Get(Strategy))
}

func TestSnapshotIsIndependent(t *testing.T) {
	s := New("p")
	s.Set(Strategy, "X")
	snap := s.Snapshot()
	s.Set(Strategy, "Y")
	assert.Equal(t, "X", snap.Fragments[Strategy])
}

func TestParseFragment(t *testing.T) {
	tests := map[string]Fragment{
		"datapipeline":  DataPipeline,
		"data-pipeline": DataPipeline,
		"Strategy":      Strategy,
		"analysers":     Analyzers,
		"analyzers":     Analyzers,
		" custom ":      Custom,
	}
	for in, want := range tests {
		got, err := ParseFragment(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFragment("indicators")
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "p.session.json")
	s := New("p")
	s.Set(DataPipeline, "btc-usd.csv")
	s.SetPrompt("full prompt")
	s.SetCode("import backtrader as bt\n")

	require.NoError(t, SaveFile(path, s))

	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Fragments, got.Fragments)
	assert.Equal(t, s.Prompt, got.Prompt)
	assert.Equal(t, s.Code, got.Code)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "none.json"))
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestLoadFileFillsMissingFragments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.json")
	raw := `{"version":1,"session":{"id":"x","fragments":{"strategy":"S"}}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "S", got.Get(Strategy))
	assert.Len(t, got.Fragments, len(Order))
}

func TestLoadFileRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":7,"session":{}}`), 0o644))
	_, err := LoadFile(path)
	require.Error(t, err)
}
