package rasterize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// installFakePdftoppm installs a stub pdftoppm that writes two PNG files matching what ToPages globs for, so
// the test never needs a real poppler install.
func installFakePdftoppm(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "pdftoppm")
	contents := `#!/bin/sh
# args: -png -r 100 -cropbox -aa no <pdf> <prefix>
prefix="${8}"
printf 'page1' > "${prefix}-1.png"
printf 'page2' > "${prefix}-2.png"
`
	require.NoError(t, os.WriteFile(script, []byte(contents), 0o755))
	t.Setenv("PDFTOPPM_CMD", script)
}

func TestToPages_ReturnsPagesInOrder(t *testing.T) {
	installFakePdftoppm(t)
	scratch := t.TempDir()

	pages, err := ToPages([]byte("%PDF-1.4 fake"), scratch)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, 1, pages[0].Number)
	assert.Equal(t, []byte("page1"), pages[0].Bytes)
	assert.Equal(t, 2, pages[1].Number)
	assert.Equal(t, []byte("page2"), pages[1].Bytes)
}

func TestToPages_MissingBinaryErrors(t *testing.T) {
	t.Setenv("PDFTOPPM_CMD", "/nonexistent/pdftoppm-binary")
	_, err := ToPages([]byte("%PDF-1.4"), t.TempDir())
	assert.Error(t, err)
}
