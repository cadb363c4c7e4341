package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{"info", INFO},
		{"warn", WARN},
		{"WARNING", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"bogus", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, false)
	logger.SetOutput(&buf)

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Warn("shown warn")
	logger.Error("shown error")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN: shown warn")
	assert.Contains(t, out, "ERROR: shown error")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestTextFieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(INFO, false)
	logger.SetOutput(&buf)

	logger.WithField("worker_id", 42).WithField("iteration", 3).Info("Worker finished")

	assert.Contains(t, buf.String(), "INFO: Worker finished iteration=3 worker_id=42")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(INFO, true)
	logger.SetOutput(&buf)

	logger.WithField("run_id", "abc").Info("hello", map[string]interface{}{"n": 1})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "hello", entry.Message)
	assert.Equal(t, "abc", entry.Fields["run_id"])
	assert.EqualValues(t, 1, entry.Fields["n"])
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, false)
	parent.SetOutput(&buf)

	_ = parent.WithField("child", true)
	parent.Info("plain")

	assert.NotContains(t, buf.String(), "child")
}

func TestDerivedLoggerSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, false)
	child := parent.WithField("k", "v")

	parent.SetOutput(&buf)
	child.Info("from child")

	assert.Contains(t, buf.String(), "from child k=v")
}

func TestFileLoggerRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loop", "threadloop.log")

	logger, err := NewFileLogger(path, INFO, false, 64)
	require.NoError(t, err)
	defer logger.Close()

	// Keep stdout quiet; file output is what is under test.
	logger.sink.output = logger.sink.logFile

	for i := 0; i < 5; i++ {
		logger.Info(strings.Repeat("x", 40))
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1, "expected at least one rotated backup")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(128))
}
