package tailread

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLines(t *testing.T, dir string, n int) string {
	t.Helper()
	path := filepath.Join(dir, "lines.txt")
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "line-%04d\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o600))
	return path
}

func TestLastLinesMissingFile(t *testing.T) {
	lines, err := LastLines(filepath.Join(t.TempDir(), "nope.txt"), 10)
	require.NoError(t, err)
	assert.Nil(t, lines)
}

func TestLastLinesSmallFile(t *testing.T) {
	dir := t.TempDir()
	path := writeLines(t, dir, 5)

	lines, err := LastLines(path, 10)
	require.NoError(t, err)
	require.Len(t, lines, 5)
	assert.Equal(t, "line-0000", lines[0])
	assert.Equal(t, "line-0004", lines[4])
}

func TestLastLinesAcrossBlockBoundary(t *testing.T) {
	dir := t.TempDir()
	// a file larger than one 64 KiB block, so the backward read starts
	// mid-file, inside a line
	path := writeLines(t, dir, 10000)

	lines, err := LastLines(path, 300)
	require.NoError(t, err)
	require.Len(t, lines, 300)
	assert.Equal(t, "line-9700", lines[0])
	assert.Equal(t, "line-9999", lines[299])
}

func TestLastLinesZeroRequested(t *testing.T) {
	dir := t.TempDir()
	path := writeLines(t, dir, 5)
	lines, err := LastLines(path, 0)
	require.NoError(t, err)
	assert.Nil(t, lines)
}
