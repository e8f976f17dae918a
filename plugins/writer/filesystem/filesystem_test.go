package filesystem

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artiflow/pkg/contract"
)

func noTemps(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "tmp file not cleaned: %s", e.Name())
	}
}

func TestWriteCreatesParents(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{WorkDir: dir})
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), "src/components/App.jsx", strings.NewReader("export default 1\n")))

	b, err := os.ReadFile(filepath.Join(dir, "src", "components", "App.jsx"))
	require.NoError(t, err)
	assert.Equal(t, "export default 1\n", string(b))
	noTemps(t, filepath.Join(dir, "src", "components"))
	assert.True(t, w.Exists("src/components/App.jsx"))
	assert.True(t, w.Exists("src"))
	assert.False(t, w.Exists("missing.txt"))
	assert.False(t, w.Exists("../escape"))
}

func TestWriteReplaceExisting(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{WorkDir: dir})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, w.Write(ctx, "out.txt", bytes.NewBufferString("v1")))
	require.NoError(t, w.Write(ctx, "./out.txt", bytes.NewBufferString("v2")))
	b, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(b))
	noTemps(t, dir)
}

func TestWritePathInvalid(t *testing.T) {
	w, _ := New(&Options{WorkDir: t.TempDir()})
	err := w.Write(context.Background(), "../bad", bytes.NewBufferString("x"))
	assert.ErrorIs(t, err, contract.ErrPathInvalid)
}

func TestWriteNonAtomic(t *testing.T) {
	dir := t.TempDir()
	off := false
	w, _ := New(&Options{WorkDir: dir, Atomic: &off})
	require.NoError(t, w.Write(context.Background(), "sub/out.txt", bytes.NewBufferString("v")))
	_, err := os.Stat(filepath.Join(dir, "sub", "out.txt"))
	assert.NoError(t, err)
}

func TestWriteCtxCancel(t *testing.T) {
	w, _ := New(&Options{WorkDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Write(ctx, "a.txt", strings.NewReader("data")), context.Canceled)
}

func TestNewInvalid(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(&Options{})
	assert.Error(t, err)
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) { return 0, errors.New("boom") }

func TestWriteAtomicCopyError(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{WorkDir: dir})
	assert.Error(t, w.Write(context.Background(), "a.txt", errReader{}))
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestObserveChanges(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{WorkDir: dir})
	var got []Change
	w.Observe(func(c Change) { got = append(got, c) })
	ctx := context.Background()
	require.NoError(t, w.Write(ctx, "a.txt", strings.NewReader("one\ntwo\nthree\n")))
	require.NoError(t, w.Write(ctx, "a.txt", strings.NewReader("one\n2\nthree\nfour\n")))

	require.Len(t, got, 2)
	assert.Equal(t, Change{Path: "a.txt", Created: true}, got[0])
	assert.Equal(t, Change{Path: "a.txt", Inserted: 2, Deleted: 1}, got[1])
}

func TestLineDelta(t *testing.T) {
	ins, del := lineDelta("a\nb\n", "a\nb\n")
	assert.Equal(t, 0, ins)
	assert.Equal(t, 0, del)
	ins, del = lineDelta("", "x\ny")
	assert.Equal(t, 2, ins)
	assert.Equal(t, 0, del)
}

func TestReaderWithCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := readerWithCtx(ctx, strings.NewReader("data"))
	cancel()
	_, err := r.Read(make([]byte, 1))
	assert.Error(t, err)
}
