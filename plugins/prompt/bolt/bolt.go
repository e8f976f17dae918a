package bolt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"artiflow/pkg/contract"
)

// DefaultWorkDir: 提示词中声明的工作根目录。
const DefaultWorkDir = "/home/project"

// ContinuePrompt: 截断后的续写指令。
const ContinuePrompt = "Continue your prior response. IMPORTANT: Immediately begin from where you left off without any interruptions.\n" +
	"Do not repeat any content, including artifact and action tags."

// Options 为 artifact 协议 PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 模板（二选一，均为空时使用内置模板）；
// - WorkDir: 模板中的工作根目录；
// - ArtifactTag / ActionTag: 要求模型使用的标签名。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	WorkDir              string `json:"work_dir"`
	ArtifactTag          string `json:"artifact_tag"`
	ActionTag            string `json:"action_tag"`
}

// Builder: 构造 system+history+user 的 ChatPrompt 与续写 Prompt。
// 运行期不做 I/O；模板在构造期加载并渲染。
type Builder struct {
	system string
}

type templateData struct {
	WorkDir     string
	ArtifactTag string
	ActionTag   string
}

// New 创建 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	data := templateData{WorkDir: o.WorkDir, ArtifactTag: o.ArtifactTag, ActionTag: o.ActionTag}
	if data.WorkDir == "" {
		data.WorkDir = DefaultWorkDir
	}
	if data.ArtifactTag == "" {
		data.ArtifactTag = "artifact"
	}
	if data.ActionTag == "" {
		data.ActionTag = "action"
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("system template render: %w", err)
	}
	return &Builder{system: strings.TrimSpace(buf.String())}, nil
}

var _ contract.PromptBuilder = (*Builder)(nil)

// System 返回渲染后的 system 提示。
func (b *Builder) System() string { return b.system }

// Build: system + 历史 + 当前用户消息。
func (b *Builder) Build(ctx context.Context, req contract.Request) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("prompt: %w: empty message", contract.ErrInvalidInput)
	}
	msgs := make([]contract.Message, 0, len(req.History)+2)
	msgs = append(msgs, contract.Message{Role: "system", Content: b.system})
	for _, m := range req.History {
		if m.Role == "system" {
			continue
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, contract.Message{Role: "user", Content: req.Message})
	return contract.ChatPrompt(msgs), nil
}

// Continue: 上一轮 Prompt + 助手已输出部分 + 续写指令。
func (b *Builder) Continue(ctx context.Context, prior contract.Prompt, partial string) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	switch p := prior.(type) {
	case contract.ChatPrompt:
		msgs := make([]contract.Message, 0, len(p)+2)
		msgs = append(msgs, p...)
		if partial != "" {
			msgs = append(msgs, contract.Message{Role: "assistant", Content: partial})
		}
		msgs = append(msgs, contract.Message{Role: "user", Content: ContinuePrompt})
		return contract.ChatPrompt(msgs), nil
	case contract.TextPrompt:
		var sb strings.Builder
		sb.WriteString(string(p))
		if partial != "" {
			sb.WriteString("\n\n")
			sb.WriteString(partial)
		}
		sb.WriteString("\n\n")
		sb.WriteString(ContinuePrompt)
		return contract.TextPrompt(sb.String()), nil
	default:
		return nil, fmt.Errorf("prompt: %w: unsupported prompt %T", contract.ErrInvalidInput, prior)
	}
}

// 内置 system 模板。
const defaultSystemTemplate = `
You are an expert senior software developer. You answer project requests with a SINGLE artifact that contains every step needed to set the project up.

<artifact_instructions>
1. Think holistically before creating the artifact: consider all relevant files, prior modifications and dependencies.
2. The current working directory is ` + "`{{.WorkDir}}`" + `. All file paths are relative to it.
3. Wrap the result in <{{.ArtifactTag}} id="kebab-case-id" title="Human readable title"> ... </{{.ArtifactTag}}>. Reuse the prior id for updates.
4. Inside, use <{{.ActionTag}}> elements. The type attribute is one of:
   - shell: shell commands. Use --yes with npx. Chain multiple commands with &&.
   - file: a complete file. Set filePath to the path relative to the working directory. The body is the full file content.
5. Order matters: create a file before any command that uses it. Create the manifest (for example package.json) first and declare dependencies there.
6. Always write complete file contents. Never use placeholders such as "rest of the code remains the same".
7. Do not re-run a dev server that is already running.
</artifact_instructions>

Reply with the artifact first. Keep prose short.
`
