package database

import "errors"

// ErrNotFound 键不存在
var ErrNotFound = errors.New("key not found")

// ErrLocked 数据库文件被另一个进程持有 (通常是正在运行的守护进程)
var ErrLocked = errors.New("database is locked by another process")

// KV 本地持久化键值存储的能力接口
// 队列条目 (sync_op_<id>)、备份、缓存的文件内容都存放在这里
type KV interface {
	// Get 读取一个键，不存在时返回 ErrNotFound
	Get(key string) ([]byte, error)
	// Set 写入或覆盖
	Set(key string, value []byte) error
	// Delete 删除，不存在时不报错
	Delete(key string) error
	// Keys 按前缀枚举所有键 (按字典序)
	Keys(prefix string) ([]string, error)
}
