package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLogFile(t *testing.T, dir, prefix string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			b, err := os.ReadFile(filepath.Join(dir, e.Name()))
			require.NoError(t, err)
			return string(b)
		}
	}
	t.Fatalf("no log file with prefix %q found in %s", prefix, dir)
	return ""
}

func TestNewWritesStructuredLogLines(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "nutproxy.log")

	log, err := New(logFile, 0, 0, 0)
	require.NoError(t, err)
	log.Infof("backend %s ejected after %d failures", "10.0.0.1:6379", 3)

	body := readLogFile(t, dir, "nutproxy.log")
	assert.Contains(t, body, "backend 10.0.0.1:6379 ejected after 3 failures")
	assert.Contains(t, body, `"level":"info"`)
}

func TestNewAtZeroVerbositySuppressesDebug(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "nutproxy.log")

	log, err := New(logFile, 0, 0, 0)
	require.NoError(t, err)
	log.Debugf("this should not appear")
	log.Infof("marker line")

	body := readLogFile(t, dir, "nutproxy.log")
	assert.NotContains(t, body, "this should not appear")
	assert.Contains(t, body, "marker line")
}

func TestNewAtVerbosityOneEmitsDebug(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "nutproxy.log")

	log, err := New(logFile, 1, 0, 0)
	require.NoError(t, err)
	log.Debugf("debug marker")

	body := readLogFile(t, dir, "nutproxy.log")
	assert.Contains(t, body, "debug marker")
}

func TestWarnEverySuppressesWithinInterval(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "nutproxy.log")

	log, err := New(logFile, 0, 0, 0)
	require.NoError(t, err)

	log.WarnEvery("graylist:main:FLUSHALL", time.Hour, "graylisted command %s forwarded", "FLUSHALL")
	log.WarnEvery("graylist:main:FLUSHALL", time.Hour, "graylisted command %s forwarded", "FLUSHALL")

	body := readLogFile(t, dir, "nutproxy.log")
	assert.Equal(t, 1, strings.Count(body, "graylisted command FLUSHALL forwarded"))
}

func TestWarnEveryLogsAgainAfterIntervalElapses(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "nutproxy.log")

	log, err := New(logFile, 0, 0, 0)
	require.NoError(t, err)

	log.WarnEvery("k", 10*time.Millisecond, "repeat marker")
	time.Sleep(20 * time.Millisecond)
	log.WarnEvery("k", 10*time.Millisecond, "repeat marker")

	body := readLogFile(t, dir, "nutproxy.log")
	assert.Equal(t, 2, strings.Count(body, "repeat marker"))
}

func TestNewNopDiscardsEverything(t *testing.T) {
	log := NewNop()
	log.Debugf("x")
	log.Infof("x")
	log.Warnf("x")
	log.Errorf("x")
	log.WarnEvery("k", time.Second, "x")
}
