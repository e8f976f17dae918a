//go:build !windows

package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artiflow/pkg/contract"
)

func TestWalkDirNonRegular(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, syscall.Mkfifo(filepath.Join(root, "fifo"), 0o644))
	assert.Empty(t, collect(t, New(nil), []string{root}))
}

func TestIterateSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "t.txt")
	write(t, target, "ok")
	link := filepath.Join(dir, "l.txt")
	require.NoError(t, os.Symlink(target, link))
	got := collect(t, New(nil), []string{link})
	assert.Equal(t, map[string]string{contract.NormalizePath(link): "ok"}, got)
}

func TestIterateSymlinkDirIgnored(t *testing.T) {
	root := t.TempDir()
	realDir := filepath.Join(root, "real")
	write(t, filepath.Join(realDir, "a.txt"), "x")
	link := filepath.Join(root, "ln")
	require.NoError(t, os.Symlink(realDir, link))
	assert.Empty(t, collect(t, New(nil), []string{link}))

	// 遍历目录时同样不跟随目录链接
	got := collect(t, New(nil), []string{root})
	assert.Len(t, got, 1)
}

func TestIterateSymlinkDangling(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling")
	require.NoError(t, os.Symlink(filepath.Join(dir, "no"), link))
	err := New(nil).Iterate(context.Background(), []string{link}, func(contract.SourceID, io.ReadCloser) error { return nil })
	assert.Error(t, err)
}
