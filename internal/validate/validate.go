// Package validate 对（可能仍在增长的）Artifact 做结构与顺序检查。
//
// 检查是增量的：每提交一个 Action 调用一次 Observe，闭合或截断时调用 Finalize 补齐。
// 只有 unknown_action_kind 与 missing_attribute 会阻断对应 Action；顺序类检查只告警。
package validate

import (
	"fmt"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"artiflow/pkg/contract"
)

// DefaultManifestPatterns: 依赖清单文件（gitignore 语法）。
var DefaultManifestPatterns = []string{
	"package.json",
	"requirements.txt",
	"pyproject.toml",
	"go.mod",
	"Cargo.toml",
	"Gemfile",
	"composer.json",
	"pom.xml",
	"build.gradle",
}

// Options: 校验器配置。
type Options struct {
	// ManifestPatterns: 识别清单文件的 gitignore 模式；为空时使用默认集合。
	ManifestPatterns []string `json:"manifest_patterns"`
	// Exists: 可选钩子，报告工作根下路径是否已存在；存在的路径不触发顺序告警。
	Exists func(path string) bool `json:"-"`
}

// Validator: 单个 Artifact 的增量校验器。非并发安全。
type Validator struct {
	exists     func(string) bool
	manifests  *ignore.GitIgnore
	artifact   string
	observed   int
	files      map[string]int
	made       map[string]bool
	firstShell int
}

// New 创建校验器。
func New(opts Options) *Validator {
	pats := opts.ManifestPatterns
	if len(pats) == 0 {
		pats = DefaultManifestPatterns
	}
	v := &Validator{exists: opts.Exists, manifests: ignore.CompileIgnoreLines(pats...)}
	v.reset("")
	return v
}

// Validate 对完整 Artifact 一次性校验。
func Validate(art contract.Artifact, opts Options) []contract.Diagnostic {
	v := New(opts)
	diags := v.Begin(art)
	return append(diags, v.Finalize(art)...)
}

func (v *Validator) reset(id string) {
	v.artifact = id
	v.observed = 0
	v.files = map[string]int{}
	v.made = map[string]bool{}
	v.firstShell = -1
}

// Begin 开始校验一个新打开的 Artifact，返回其自身属性的诊断。
func (v *Validator) Begin(art contract.Artifact) []contract.Diagnostic {
	v.reset(art.ID)
	var out []contract.Diagnostic
	if strings.TrimSpace(art.ID) == "" {
		out = append(out, v.diag(contract.DiagMissingAttribute, contract.SeverityWarning, contract.NoAction, "artifact has no id"))
	}
	if strings.TrimSpace(art.Title) == "" {
		out = append(out, v.diag(contract.DiagMissingAttribute, contract.SeverityWarning, contract.NoAction, "artifact has no title"))
	}
	return out
}

// Replay 在续写恢复后重建内部状态：重放已提交的 Actions，丢弃诊断。
func (v *Validator) Replay(art contract.Artifact) {
	v.reset(art.ID)
	for _, a := range art.Actions {
		_ = v.Observe(a)
	}
}

// Observe 校验一个新提交的 Action。
func (v *Validator) Observe(a contract.Action) []contract.Diagnostic {
	if a.Index >= v.observed {
		v.observed = a.Index + 1
	}
	switch a.Kind() {
	case contract.KindFile:
		return v.observeFile(a)
	case contract.KindShell:
		return v.observeShell(a)
	}
	if strings.TrimSpace(a.Type) == "" {
		return []contract.Diagnostic{v.diag(contract.DiagMissingAttribute, contract.SeverityError, a.Index,
			fmt.Sprintf("action %d has no type", a.Index))}
	}
	return []contract.Diagnostic{v.diag(contract.DiagUnknownActionKind, contract.SeverityError, a.Index,
		fmt.Sprintf("action %d has unknown type %q", a.Index, a.Type))}
}

// Finalize 在 Artifact 闭合（或截断）时调用：补齐尚未观察到的 Actions。
// 已在增量阶段报告过的诊断不会重复。
func (v *Validator) Finalize(art contract.Artifact) []contract.Diagnostic {
	var out []contract.Diagnostic
	for _, a := range art.Actions {
		if a.Index < v.observed {
			continue
		}
		out = append(out, v.Observe(a)...)
	}
	return out
}

func (v *Validator) observeFile(a contract.Action) []contract.Diagnostic {
	p := strings.TrimSpace(a.FilePath)
	if p == "" {
		return []contract.Diagnostic{v.diag(contract.DiagMissingAttribute, contract.SeverityError, a.Index,
			fmt.Sprintf("file action %d has no filePath", a.Index))}
	}
	key := contract.NormalizePath(p)
	var out []contract.Diagnostic
	if prev, ok := v.files[key]; ok {
		out = append(out, v.diag(contract.DiagOverwrite, contract.SeverityNote, a.Index,
			fmt.Sprintf("%s written by action %d is superseded by action %d", key, prev, a.Index)))
	}
	v.files[key] = a.Index
	if v.firstShell >= 0 && v.manifests.MatchesPath(key) {
		out = append(out, v.diag(contract.DiagOrderingWarning, contract.SeverityWarning, a.Index,
			fmt.Sprintf("manifest %s is written after shell action %d", key, v.firstShell)))
	}
	return out
}

func (v *Validator) observeShell(a contract.Action) []contract.Diagnostic {
	if v.firstShell < 0 {
		v.firstShell = a.Index
	}
	missing := v.missingPaths(a.Command)
	if len(missing) == 0 {
		return nil
	}
	return []contract.Diagnostic{v.diag(contract.DiagOrderingWarning, contract.SeverityWarning, a.Index,
		fmt.Sprintf("shell action %d references %s before any file action creates it", a.Index, strings.Join(quoteAll(missing), ", ")))}
}

// missingPaths 返回命令中引用但尚未创建的相对路径（去重，保持出现顺序）。
// mkdir/touch 的参数与输出重定向目标视为由命令自身创建。
func (v *Validator) missingPaths(cmd string) []string {
	var missing []string
	seen := map[string]bool{}
	creating := false
	for _, w := range splitShell(cmd) {
		if w.head {
			creating = creators[baseName(w.text)]
		}
		if w.out {
			v.made[contract.NormalizePath(w.text)] = true
			continue
		}
		if creating && !w.head {
			if !strings.HasPrefix(w.text, "-") {
				v.made[contract.NormalizePath(w.text)] = true
			}
			continue
		}
		if !isPathCandidate(w.text) {
			continue
		}
		p := contract.NormalizePath(w.text)
		if seen[p] || v.known(p) {
			continue
		}
		seen[p] = true
		missing = append(missing, p)
	}
	return missing
}

func (v *Validator) known(p string) bool {
	if _, ok := v.files[p]; ok || v.made[p] {
		return true
	}
	dir := p + "/"
	for f := range v.files {
		if strings.HasPrefix(f, dir) {
			return true
		}
	}
	for f := range v.made {
		if strings.HasPrefix(p, f+"/") || strings.HasPrefix(f, dir) {
			return true
		}
	}
	return v.exists != nil && v.exists(p)
}

func (v *Validator) diag(kind contract.DiagKind, sev contract.Severity, action int, msg string) contract.Diagnostic {
	return contract.Diagnostic{Kind: kind, Severity: sev, ArtifactID: v.artifact, Action: action, Message: msg}
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
