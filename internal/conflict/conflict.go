// Package conflict 检测本地与远端的分歧，并按策略解决
package conflict

import (
	"fmt"
	"time"
)

// Type 冲突类型
type Type string

const (
	TypeContent   Type = "content"
	TypeTimestamp Type = "timestamp"
	TypeDelete    Type = "delete"
	TypeCreate    Type = "create"
)

// Severity 严重程度
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Resolution 解决方式
type Resolution string

const (
	KeepLocal  Resolution = "keepLocal"
	KeepRemote Resolution = "keepRemote"
	MergeBoth  Resolution = "merge"
	CreateBoth Resolution = "createBoth"
)

// ParseResolution 解析命令行参数
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case KeepLocal, KeepRemote, MergeBoth, CreateBoth:
		return r, nil
	}
	return "", fmt.Errorf("未知的解决方式: %q (keepLocal|keepRemote|merge|createBoth)", s)
}

// Version 冲突一侧的状态
type Version struct {
	Exists   bool
	Content  []byte
	Modified time.Time
}

// FileConflict 单个路径的冲突
type FileConflict struct {
	Path        string
	Type        Type
	Severity    Severity
	Similarity  float64
	Local       Version
	Remote      Version
	DetectedAt  time.Time
	Description string

	// Suggested 按推荐顺序排列
	Suggested []Resolution
	// Auto 为空表示需要人工决定
	Auto Resolution
}

// CanAutoResolve 是否有安全的自动解决方案
func (c *FileConflict) CanAutoResolve() bool {
	return c.Auto != ""
}

// TimeGap 两侧修改时间差 (绝对值)
func (c *FileConflict) TimeGap() time.Duration {
	d := c.Remote.Modified.Sub(c.Local.Modified)
	if d < 0 {
		d = -d
	}
	return d
}

func (c *FileConflict) String() string {
	return fmt.Sprintf("%s [%s/%s] %s", c.Path, c.Type, c.Severity, c.Description)
}

// SuggestedResolutions 各冲突类型的候选解决方式
func SuggestedResolutions(t Type) []Resolution {
	switch t {
	case TypeContent:
		return []Resolution{MergeBoth, KeepLocal, KeepRemote, CreateBoth}
	case TypeCreate:
		return []Resolution{CreateBoth, KeepLocal, KeepRemote}
	default:
		return []Resolution{KeepLocal, KeepRemote}
	}
}

// AutoResolution 只有 low 严重程度才会给出自动方案
func AutoResolution(t Type, sev Severity, similarity float64) Resolution {
	if sev != SeverityLow {
		return ""
	}
	switch {
	case t == TypeTimestamp:
		return KeepRemote
	case t == TypeContent && similarity > 0.95:
		return MergeBoth
	}
	return ""
}

// MarkCreated 把两侧各自新建、从未同步过的内容冲突改标为 create
func MarkCreated(c *FileConflict) {
	if c.Type != TypeContent {
		return
	}
	c.Type = TypeCreate
	c.Suggested = SuggestedResolutions(TypeCreate)
	c.Auto = AutoResolution(TypeCreate, c.Severity, c.Similarity)
}
