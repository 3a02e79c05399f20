package conflict

import "strings"

const (
	markerLocal  = "<<<<<<< LOCAL"
	markerSep    = "======="
	markerRemote = ">>>>>>> REMOTE"
)

// Merge 逐行合并：相同的行或只有一侧有内容的行直接保留，
// 两侧都有且不同的行输出为冲突块。只做文本层面的合并
func Merge(local, remote string) string {
	if local == remote {
		return local
	}
	l := strings.Split(local, "\n")
	r := strings.Split(remote, "\n")

	out := make([]string, 0, max(len(l), len(r)))
	for i := 0; i < max(len(l), len(r)); i++ {
		var a, b string
		if i < len(l) {
			a = l[i]
		}
		if i < len(r) {
			b = r[i]
		}
		switch {
		case a == b:
			out = append(out, a)
		case b == "":
			out = append(out, a)
		case a == "":
			out = append(out, b)
		default:
			out = append(out, markerLocal, a, markerSep, b, markerRemote)
		}
	}
	return strings.Join(out, "\n")
}

// HasConflictMarkers 合并结果里是否还有未处理的冲突块
func HasConflictMarkers(s string) bool {
	return strings.Contains(s, markerLocal) && strings.Contains(s, markerRemote)
}
