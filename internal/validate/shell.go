package validate

import (
	"path"
	"strings"

	"artiflow/pkg/contract"
)

var creators = map[string]bool{"mkdir": true, "touch": true}

// 常见源码/配置扩展名；仅这些扩展名的裸文件名被视为路径。
var knownExt = map[string]bool{
	"js": true, "jsx": true, "mjs": true, "cjs": true, "ts": true, "tsx": true, "vue": true, "svelte": true,
	"json": true, "jsonc": true, "html": true, "htm": true, "css": true, "scss": true, "less": true,
	"py": true, "rb": true, "php": true, "go": true, "rs": true, "java": true, "kt": true, "c": true, "h": true,
	"cpp": true, "cc": true, "sh": true, "bash": true, "zsh": true, "ps1": true, "sql": true, "db": true,
	"md": true, "txt": true, "csv": true, "xml": true, "yml": true, "yaml": true, "toml": true, "ini": true,
	"cfg": true, "conf": true, "env": true, "lock": true, "svg": true, "png": true, "jpg": true,
}

// 由安装/构建命令生成的目录，引用它们不告警。
var generatedRoots = map[string]bool{
	"node_modules": true, ".venv": true, "venv": true, "__pycache__": true,
	"target": true, "dist": true, "build": true, ".next": true,
}

type word struct {
	text string
	head bool
	out  bool
}

// splitShell 以最小 shell 语义切词：引号、反斜杠转义、控制运算符与重定向。
func splitShell(cmd string) []word {
	var (
		words   []word
		cur     strings.Builder
		inWord  bool
		head    = true
		nextOut bool
		quote   byte
	)
	flush := func() {
		if !inWord {
			return
		}
		w := word{text: cur.String(), head: head, out: nextOut}
		words = append(words, w)
		// FOO=bar cmd：赋值之后仍是命令名位置。
		head = head && strings.Contains(w.text, "=")
		nextOut = false
		cur.Reset()
		inWord = false
	}
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			inWord = true
		case ' ', '\t', '\n', '\r':
			flush()
		case ';', '&', '|', '(', ')':
			flush()
			head = true
			nextOut = false
		case '>':
			flush()
			nextOut = true
		case '<':
			flush()
		case '\\':
			if i+1 < len(cmd) {
				i++
				cur.WriteByte(cmd[i])
				inWord = true
			}
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	flush()
	return words
}

// isPathCandidate 判断一个词是否像工作根内的相对文件路径。
func isPathCandidate(tok string) bool {
	if tok == "" || strings.ContainsAny(tok[:1], "-$@~/+") {
		return false
	}
	if strings.Contains(tok, "://") || strings.ContainsAny(tok, "=*?{}$`:") {
		return false
	}
	if !contract.IsLocalPath(tok) {
		return false
	}
	n := contract.NormalizePath(tok)
	if first, _, _ := strings.Cut(n, "/"); generatedRoots[first] {
		return false
	}
	if strings.Contains(tok, "/") {
		return true
	}
	ext := strings.TrimPrefix(path.Ext(n), ".")
	return knownExt[strings.ToLower(ext)]
}

func baseName(s string) string { return path.Base(strings.ReplaceAll(s, `\`, "/")) }
