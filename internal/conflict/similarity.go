package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// 超过这个规模的矩阵改用按行 diff 估算编辑距离
const maxExactCells = 16 << 20

// EditDistance 按字符 (rune) 计算 Levenshtein 距离
func EditDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	if len(ra)*len(rb) > maxExactCells {
		return approxDistance(a, b)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// approxDistance 大文件用 diff 的 Levenshtein 近似，结果以字符计
func approxDistance(a, b string) int {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	return dmp.DiffLevenshtein(diffs)
}

// Similarity 1 - 编辑距离/较长一侧长度。相同内容为 1，任一侧为空 (另一侧非空) 为 0
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if la == 0 || lb == 0 {
		return 0
	}
	return 1 - float64(EditDistance(a, b))/float64(longest)
}

// ClassifySeverity 根据相似度和两侧修改时间差给出严重程度
func ClassifySeverity(similarity float64, gap time.Duration) Severity {
	if gap < 0 {
		gap = -gap
	}
	switch {
	case similarity > 0.9:
		return SeverityLow
	case similarity > 0.7 && gap < 60*time.Minute:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// DiffStats 统计按行 diff 的新增/删除行数 (remote 相对 local)
func DiffStats(local, remote string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(local, remote)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func describe(c *FileConflict) string {
	switch c.Type {
	case TypeDelete:
		if c.Local.Exists {
			return "deleted on remote, still present locally"
		}
		return "deleted locally, still present on remote"
	case TypeTimestamp:
		return fmt.Sprintf("near-identical content (%.1f%% similar), modification times differ", c.Similarity*100)
	default:
		added, removed := DiffStats(string(c.Local.Content), string(c.Remote.Content))
		return fmt.Sprintf("content differs: +%d/-%d lines, %.1f%% similar", added, removed, c.Similarity*100)
	}
}
