package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		" WARN ":  WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"":        InfoLevel,
		"verbose": InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestUseRoutesPackageHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := Use(zap.New(core))
	defer restore()

	Debug("[Test] hidden")
	Info("[Test] play recorded", Int64("trackId", 7), String("source", "web"))
	Warn("[Test] slow", Strings("keys", []string{"a", "b"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "[Test] play recorded", entries[0].Message)
	assert.Equal(t, int64(7), entries[0].ContextMap()["trackId"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)

	L().Info("[Test] direct")
	assert.Equal(t, 3, logs.Len())
}

func TestUseRestore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Use(zap.New(core))
	restore()

	Info("[Test] after restore")
	assert.Zero(t, logs.Len())
}

func TestNewWritesJSONToStdoutAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "encore.log")
	var buf bytes.Buffer

	l, err := New(Config{Level: WarnLevel, OutputPath: path, MaxSize: 1}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	l.Info("dropped")
	l.Warn("kept", zap.String("k", "v"))
	require.NoError(t, l.Sync())

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "v", line["k"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"kept"`)
	assert.NotContains(t, string(data), "dropped")
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: DebugLevel, Format: "console"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	l.Debug("[Test] console line")
	out := buf.String()
	assert.Contains(t, out, "DEBUG")
	assert.Contains(t, out, "[Test] console line")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
