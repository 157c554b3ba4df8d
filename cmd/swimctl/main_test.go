package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SWIMCTL_ADDR", "10.0.0.4:7070")
	t.Setenv("SWIMCTL_TIMEOUT", "5s")

	v, err := loadSettings()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4:7070", v.GetString("addr"))
	assert.Equal(t, 5*time.Second, v.GetDuration("timeout"))
}

func TestSettingsDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	v, err := loadSettings()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7070", v.GetString("addr"))
	assert.Equal(t, 30*time.Second, v.GetDuration("timeout"))
}

func TestRunRejectsMalformedCommands(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"bogus"},
		{"join"},
		{"join", "x"},
		{"put", "only-one"},
		{"ring", "extra"},
	} {
		assert.ErrorIs(t, run(context.Background(), nil, args), errUsage, "%v", args)
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
