package contract

import (
	"path"
	"strings"
)

// NormalizePath 规范化路径，统一为跨平台稳定的比较键。
// - 使用正斜杠分隔符
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizePath(p string) string {
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}

// IsLocalPath 报告规范化后的相对路径是否停留在根内。
func IsLocalPath(p string) bool {
	n := NormalizePath(p)
	if n == "." || n == ".." || strings.HasPrefix(n, "../") || strings.HasPrefix(n, "/") {
		return false
	}
	// Windows 盘符
	if len(n) >= 2 && n[1] == ':' {
		return false
	}
	return true
}
