package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":  zapcore.DebugLevel,
		"INFO":   zapcore.InfoLevel,
		" warn ": zapcore.WarnLevel,
		"error":  zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewFromString(t *testing.T) {
	log, err := NewFromString("warn")
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zapcore.InfoLevel))
	require.True(t, log.Core().Enabled(zapcore.WarnLevel))

	_, err = NewFromString("loud")
	require.Error(t, err)
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, zapcore.InfoLevel)
	log.Debug("hidden")
	log.Info("Worksheet exported", zap.String("archive", "pbmc.ctw.tgz"))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "INFO")
	require.Contains(t, out, "Worksheet exported")
	require.Contains(t, out, `"archive": "pbmc.ctw.tgz"`)
}
