package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWithFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "scheduler"))

	log.Debug("hidden")
	log.Info("job registered", String("job", "refresh"), Int("entries", 1), Err(errors.New("boom")))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var m map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &m))
	assert.Equal(t, "job registered", m["message"])
	assert.Equal(t, "scheduler", m["comp"])
	assert.Equal(t, "refresh", m["job"])
	assert.EqualValues(t, 1, m["entries"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logging_test.go:")
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestServiceApplySwapsLevel(t *testing.T) {
	svc, log := New(Config{Level: "error", Console: true})
	defer svc.Close()

	assert.False(t, log.Enabled(LevelInfo))
	svc.Apply(Config{Level: "debug", Console: true})
	assert.True(t, log.Enabled(LevelDebug))
}

func TestFileSinkFollowsApply(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	child := log.With(String("comp", "registry"))
	child.Info("before")

	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: second}})
	child.Info("after")

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(a), `"message":"before"`)
	assert.NotContains(t, string(a), "after")
	assert.Contains(t, string(b), `"comp":"registry"`)
	assert.Contains(t, string(b), `"message":"after"`)
}

func TestZeroLoggerIsDisabled(t *testing.T) {
	var l Logger
	assert.False(t, l.Enabled(LevelError))
	assert.True(t, NewWriter(&bytes.Buffer{}, "warn").Enabled(LevelError))
}
