package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerLoggerWritesPrefixedLines(t *testing.T) {
	dir := t.TempDir()
	l, err := NewBrokerLogger(dir)
	require.NoError(t, err)

	l.Infof("broker listening on %s", "localhost:13105")
	l.Debugf("probe %d", 1)
	l.Warnf("holder died")
	l.Errorf("driver error: %v", os.ErrPermission)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "hashpwd.log"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "[info]")
	assert.Contains(t, lines[0], "broker listening on localhost:13105")
	assert.Contains(t, lines[1], "[debug]")
	assert.Contains(t, lines[2], "[warning]")
	assert.Contains(t, lines[3], "[error]")
}

func TestBrokerLoggerTruncatesOnOpen(t *testing.T) {
	dir := t.TempDir()

	l, err := NewBrokerLogger(dir)
	require.NoError(t, err)
	l.Infof("first run line")
	require.NoError(t, l.Close())

	// A second open of the same directory starts the log over: the broker
	// is stateless across restarts and so is its log.
	l, err = NewBrokerLogger(dir)
	require.NoError(t, err)
	l.Infof("second run line")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "hashpwd.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "first run line")
	assert.Contains(t, string(data), "second run line")
}

func TestBrokerLoggerCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")

	l, err := NewBrokerLogger(dir)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = os.Stat(filepath.Join(dir, "hashpwd.log"))
	assert.NoError(t, err)
}
