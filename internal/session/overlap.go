package session

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// overlap 返回 head 开头与 tail 结尾重合的最长字节数。
// 重合部分不足 min 字节或只有空白时视为巧合，返回 0。
func overlap(tail, head string, min int) int {
	if tail == "" || head == "" {
		return 0
	}
	k := diffmatchpatch.New().DiffCommonOverlap(tail, head)
	if k < min || strings.TrimSpace(head[:k]) == "" {
		return 0
	}
	return k
}
