package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDotEnv(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := loadConfig(&cobra.Command{}, map[string]string{})
		require.NoError(t, err)
		require.NotNil(t, cfg)
	})

	t.Run("malformed", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("BAD-KEY=1\n"), 0o644))
		t.Chdir(dir)

		_, err := loadConfig(&cobra.Command{}, map[string]string{})
		require.ErrorContains(t, err, "loading .env")
	})
}
