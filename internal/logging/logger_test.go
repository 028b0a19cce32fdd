package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bubbledrift/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestFactory_CategoryToggle(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := NewWithLogger(zap.New(core), config.LoggingConfig{
		Categories: map[string]bool{"store": false},
	})

	f.Get(CategoryStore).Info("hidden")
	f.Get(CategoryMetadata).Info("visible")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "visible", entries[0].Message)
	assert.Equal(t, "metadata", entries[0].LoggerName)
}

func TestFactory_PuppetFile(t *testing.T) {
	dir := t.TempDir()
	core, logs := observer.New(zapcore.DebugLevel)
	f := NewWithLogger(zap.New(core), config.LoggingConfig{Dir: dir})

	logger, err := f.Puppet("puppet-0")
	require.NoError(t, err)
	logger.Info("Finished watch", zap.Int("depth", 1))

	// Second call reuses the same file handle
	again, err := f.Puppet("puppet-0")
	require.NoError(t, err)
	again.Info("Closing")

	require.NoError(t, f.Close())

	data, err := os.ReadFile(filepath.Join(dir, "puppet-0.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "Finished watch"))
	assert.True(t, strings.Contains(string(data), "Closing"))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "puppet-0", logs.All()[0].ContextMap()["puppet"])
}

func TestFactory_PuppetNoDir(t *testing.T) {
	f := NewWithLogger(zap.NewNop(), config.LoggingConfig{})
	logger, err := f.Puppet("p")
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.NoError(t, f.Close())
}
