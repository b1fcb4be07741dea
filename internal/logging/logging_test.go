package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/mossy-p/call-signaling/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signaling.log")

	logger, closer, err := New(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1, MaxBackups: 1}, true)
	require.NoError(t, err)

	logger.WithField("component", "test").Debug("hello file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello file"`)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "chatty"}, false)
	assert.Error(t, err)
}

func TestPionFactoryScopesEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	pionLog := PionFactory{Entry: logrus.NewEntry(logger)}.NewLogger("ice")
	pionLog.Warnf("gathering %s", "done")
	pionLog.Trace("dropped below level")

	out := buf.String()
	assert.Contains(t, out, "gathering done")
	assert.Contains(t, out, "scope=ice")
	assert.NotContains(t, out, "dropped below level")
}
