//go:build !windows

package testdata

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "artiflow/internal/config"
	"artiflow/internal/pipeline"
	"artiflow/internal/session"
	"artiflow/pkg/contract"
)

func TestE2EApplyTodoApp(t *testing.T) {
	in := filepath.Join("files", "todo-app.txt")
	cfg := baseConfig(t, in)
	comp, set, err := cfgpkg.Assemble(cfg, false)
	require.NoError(t, err)

	reps, err := pipeline.Replay(context.Background(), comp, set, nil)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	rep := reps[0]
	assert.Equal(t, session.Complete, rep.Outcome)
	assert.Contains(t, rep.Prose, "tiny todo app")
	assert.Contains(t, rep.Prose, "Run the start script")
	require.Len(t, rep.Artifacts, 1)

	res := rep.Artifacts[0].Results
	require.Len(t, res, 3)
	for _, r := range res {
		assert.Equal(t, contract.StatusSucceeded, r.Status, r.Error)
	}
	assert.Equal(t, "index.js\n", res[2].Stdout)

	pkg := readFile(t, filepath.Join(cfg.WorkDir, "package.json"))
	var meta struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal([]byte(pkg), &meta))
	assert.Equal(t, "todo-app", meta.Name)
	assert.Equal(t, "const todos = [\"write tests\", \"ship it\"];\nfor (const t of todos) console.log(\"- \" + t);\n",
		readFile(t, filepath.Join(cfg.WorkDir, "src", "index.js")))
}

func TestE2EProgressiveGenerate(t *testing.T) {
	transcript := `<artifact id="p" title="Progressive">` +
		`<action type="shell">echo one > one.txt</action>` +
		`<action type="shell">cat one.txt; exit 3</action>` +
		`<action type="file" filePath="never.txt">x</action>` +
		`</artifact>`
	cfg := baseConfig(t)
	cfg.Execution.Progressive = true
	cfg.LLM = "mock"
	opts, err := json.Marshal(map[string]any{"transcript": transcript, "chunk_size": 5})
	require.NoError(t, err)
	cfg.Provider["mock"] = mockProvider(string(opts))
	comp, set, err := cfgpkg.Assemble(cfg, true)
	require.NoError(t, err)

	rep, err := pipeline.Generate(context.Background(), comp, set, contract.Request{Message: "go"}, nil)
	require.NoError(t, err)
	require.Len(t, rep.Artifacts, 1)
	res := rep.Artifacts[0].Results
	require.Len(t, res, 3)
	assert.Equal(t, contract.StatusSucceeded, res[0].Status)
	assert.Equal(t, contract.StatusFailed, res[1].Status)
	assert.Equal(t, 3, res[1].ExitCode)
	assert.Equal(t, "one\n", res[1].Stdout)
	assert.Equal(t, contract.StatusSkipped, res[2].Status)
	assert.True(t, rep.Failed())
	assert.NoFileExists(t, filepath.Join(cfg.WorkDir, "never.txt"))
	assert.Contains(t, rep.Artifacts[0].Error, fmt.Sprintf("action %d", 1))
}
