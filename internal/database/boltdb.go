package database

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// BucketName 是数据库中的“表名”
	BucketName = "NoteSync"
)

// DB 封装 BoltDB 实例，实现 KV 接口
type DB struct {
	conn *bbolt.DB
}

// NewBoltDB 初始化并打开数据库
func NewBoltDB(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}
	// Timeout 选项防止两个进程同时打开同一个数据库导致死锁
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s (notesync run 运行期间独占数据库，请先停止守护进程)", ErrLocked, dbPath)
	}
	if err != nil {
		return nil, fmt.Errorf("打开 BoltDB 失败: %w", err)
	}

	// 确保 Bucket 存在
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketName))
		return err
	})

	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建 Bucket 失败: %w", err)
	}

	return &DB{conn: db}, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	return d.conn.Close()
}

// Get 读取单个键
func (d *DB) Get(key string) ([]byte, error) {
	var out []byte
	err := d.conn.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(BucketName)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bbolt 返回的切片只在事务内有效，必须拷贝
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Set 保存或更新
func (d *DB) Set(key string, value []byte) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketName)).Put([]byte(key), value)
	})
}

// Delete 删除键 (不存在时 bbolt 本身就不报错)
func (d *DB) Delete(key string) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketName)).Delete([]byte(key))
	})
}

// Keys 用游标 Seek 到前缀位置后顺序扫描
func (d *DB) Keys(prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)

	err := d.conn.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(BucketName)).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
