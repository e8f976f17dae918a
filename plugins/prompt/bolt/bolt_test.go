package bolt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artiflow/pkg/contract"
)

func TestBuildDefault(t *testing.T) {
	b, err := New(nil)
	require.NoError(t, err)
	assert.Contains(t, b.System(), "`/home/project`")
	assert.Contains(t, b.System(), `<artifact id="kebab-case-id"`)
	assert.Contains(t, b.System(), "<action>")

	p, err := b.Build(context.Background(), contract.Request{
		Message: "make a todo app",
		History: []contract.Message{
			{Role: "system", Content: "dropped"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})
	require.NoError(t, err)
	cp, ok := p.(contract.ChatPrompt)
	require.True(t, ok)
	require.Len(t, cp, 4)
	assert.Equal(t, "system", cp[0].Role)
	assert.Equal(t, "hi", cp[1].Content)
	assert.Equal(t, contract.Message{Role: "user", Content: "make a todo app"}, cp[3])
}

func TestBuildCustomTagsAndWorkDir(t *testing.T) {
	b, err := New(&Options{WorkDir: "/srv/app", ArtifactTag: "boltArtifact", ActionTag: "boltAction"})
	require.NoError(t, err)
	assert.Contains(t, b.System(), "`/srv/app`")
	assert.Contains(t, b.System(), "</boltArtifact>")
	assert.Contains(t, b.System(), "<boltAction>")
}

func TestTemplateSources(t *testing.T) {
	b, err := New(&Options{InlineSystemTemplate: "root={{.WorkDir}}"})
	require.NoError(t, err)
	assert.Equal(t, "root=/home/project", b.System())

	p := filepath.Join(t.TempDir(), "sys.tmpl")
	require.NoError(t, os.WriteFile(p, []byte("tags {{.ArtifactTag}}/{{.ActionTag}}\n"), 0o644))
	b, err = New(&Options{SystemTemplatePath: p})
	require.NoError(t, err)
	assert.Equal(t, "tags artifact/action", b.System())

	_, err = New(&Options{SystemTemplatePath: filepath.Join(t.TempDir(), "none")})
	assert.Error(t, err)
	_, err = New(&Options{InlineSystemTemplate: "{{.Nope}}"})
	assert.Error(t, err)
	_, err = New(&Options{InlineSystemTemplate: "{{"})
	assert.Error(t, err)
}

func TestBuildEmptyMessage(t *testing.T) {
	b, _ := New(nil)
	_, err := b.Build(context.Background(), contract.Request{Message: "  "})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Build(ctx, contract.Request{Message: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContinueChat(t *testing.T) {
	b, _ := New(nil)
	first, err := b.Build(context.Background(), contract.Request{Message: "make it"})
	require.NoError(t, err)
	next, err := b.Continue(context.Background(), first, `<artifact id="x" title="T"><action type="shell">npm i`)
	require.NoError(t, err)
	cp := next.(contract.ChatPrompt)
	require.Len(t, cp, 4)
	assert.Equal(t, "assistant", cp[2].Role)
	assert.Equal(t, ContinuePrompt, cp[3].Content)
	// 原 Prompt 不被修改
	assert.Len(t, first.(contract.ChatPrompt), 2)
}

func TestContinueText(t *testing.T) {
	b, _ := New(nil)
	next, err := b.Continue(context.Background(), contract.TextPrompt("q"), "partial")
	require.NoError(t, err)
	assert.Equal(t, contract.TextPrompt("q\n\npartial\n\n"+ContinuePrompt), next)

	_, err = b.Continue(context.Background(), 42, "")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
