package fs

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotExist 远端对象不存在
var ErrNotExist = errors.New("object does not exist")

// Object 远端对象及其元数据
type Object struct {
	Key     string    // 对象键 (统一使用 "/" 作为分隔符)
	Data    []byte    // 内容
	ModTime time.Time // 远端修改时间
}

// ObjectStore 是对远端对象存储的统一抽象
// 文件夹用 "<folder>/" 这样的零字节标记对象表示
type ObjectStore interface {
	// Put 写入 (覆盖) 对象
	Put(ctx context.Context, key string, data []byte) error

	// Get 读取对象，不存在时返回 ErrNotExist
	Get(ctx context.Context, key string) (*Object, error)

	// Delete 删除对象，不存在时不报错
	Delete(ctx context.Context, key string) error

	// Exists 相当于 HEAD 请求
	Exists(ctx context.Context, key string) (bool, error)

	// List 递归列出前缀下所有对象键 (包括文件夹标记)
	List(ctx context.Context, prefix string) ([]string, error)

	// ListFolders 列出前缀下的直接子文件夹 (返回带 "/" 结尾的键)
	ListFolders(ctx context.Context, prefix string) ([]string, error)
}

// Pinger 可选接口：能探测连通性的存储实现它
type Pinger interface {
	Ping(ctx context.Context) error
}

// FolderMarker 返回文件夹标记对象的键
func FolderMarker(folder string) string {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return ""
	}
	return folder + "/"
}

// IsFolderMarker 判断键是否是文件夹标记
func IsFolderMarker(key string) bool {
	return strings.HasSuffix(key, "/")
}
