package mock

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artiflow/pkg/contract"
)

func drain(t *testing.T, s contract.Streamer) (string, error) {
	t.Helper()
	rs, err := s.Stream(context.Background(), contract.TextPrompt("q"))
	require.NoError(t, err)
	defer rs.Close()
	var sb strings.Builder
	for {
		chunk, done, err := rs.Next()
		sb.WriteString(chunk)
		if err != nil {
			return sb.String(), err
		}
		if done {
			return sb.String(), nil
		}
	}
}

func TestDefaultTranscript(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	got, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, DefaultTranscript, got)
	// 回放完毕后从头开始
	got, err = drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, DefaultTranscript, got)
	assert.Equal(t, 2, s.(*Client).Calls())
}

func TestTruncateAndRepeat(t *testing.T) {
	s, err := New(json.RawMessage(`{"transcript":"abcdefghij","chunk_size":3,"truncate_every":4,"repeat_overlap":2}`))
	require.NoError(t, err)
	var parts []string
	for i := 0; i < 3; i++ {
		got, err := drain(t, s)
		require.NoError(t, err)
		parts = append(parts, got)
	}
	assert.Equal(t, []string{"abcd", "cdefgh", "ghij"}, parts)
}

func TestInterruptError(t *testing.T) {
	s, err := New(json.RawMessage(`{"transcript":"abcdef","truncate_every":4,"interrupt":"error"}`))
	require.NoError(t, err)
	got, err := drain(t, s)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "abcd", got)
	got, err = drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, "ef", got)
}

func TestTranscriptPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "t.txt")
	require.NoError(t, os.WriteFile(p, []byte("from file"), 0o644))
	raw, _ := json.Marshal(Options{TranscriptPath: p})
	s, err := New(raw)
	require.NoError(t, err)
	got, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, "from file", got)

	_, err = New(json.RawMessage(`{"transcript_path":"/nonexistent/x"}`))
	assert.Error(t, err)
	_, err = New(json.RawMessage(`{"interrupt":"boom"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestStreamCancelled(t *testing.T) {
	s, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	rs, err := s.Stream(ctx, contract.TextPrompt("q"))
	require.NoError(t, err)
	cancel()
	_, _, err = rs.Next()
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Stream(ctx, contract.TextPrompt("q"))
	assert.ErrorIs(t, err, context.Canceled)
}
