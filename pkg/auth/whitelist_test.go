package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/hubble/pkg/observability"
)

func TestWhitelistStatic(t *testing.T) {
	w := NewWhitelist([]string{"Mal", "zoe"})

	assert.True(t, w.Allows("mal"), "names are matched case-insensitively")
	assert.True(t, w.Allows("zoe"))
	assert.False(t, w.Allows("jayne"))
	assert.False(t, w.Empty())

	w.Add("jayne")
	assert.True(t, w.Allows("jayne"))
}

func TestWhitelistEmptyAdmitsEveryone(t *testing.T) {
	w := NewWhitelist(nil)
	assert.True(t, w.Empty())
	assert.True(t, w.Allows("anyone"))

	// Adding to an open whitelist must not silently close it
	w.Add("mal")
	assert.True(t, w.Allows("jayne"))
}

func TestWhitelistFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist")
	require.NoError(t, os.WriteFile(path, []byte("# crew\nmal\nzoe\n\n"), 0o600))

	logger := observability.NewLogger(observability.ErrorLevel, nil)
	w, err := NewWhitelistFromFile(path, logger)
	require.NoError(t, err)
	defer w.Close()

	assert.True(t, w.Allows("mal"))
	assert.True(t, w.Allows("zoe"))
	assert.False(t, w.Allows("jayne"))
}

func TestWhitelistHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist")
	require.NoError(t, os.WriteFile(path, []byte("mal\n"), 0o600))

	logger := observability.NewLogger(observability.ErrorLevel, nil)
	w, err := NewWhitelistFromFile(path, logger)
	require.NoError(t, err)
	defer w.Close()

	require.False(t, w.Allows("kaylee"))
	require.NoError(t, os.WriteFile(path, []byte("mal\nkaylee\n"), 0o600))

	assert.Eventually(t, func() bool { return w.Allows("kaylee") },
		5*time.Second, 10*time.Millisecond, "whitelist should pick up file changes")
}
