package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// Medium 账本的持久化介质
type Medium interface {
	// Read 读取全部内容，不存在时 ok 为 false
	Read(ctx context.Context) (data []byte, ok bool, err error)
	// Write 覆盖写入，返回前必须已落盘
	Write(ctx context.Context, data []byte) error
}

// FileMedium 本地文件介质，写入采用临时文件 + rename 保证原子性
type FileMedium struct {
	path string
}

func NewFileMedium(path string) *FileMedium {
	return &FileMedium{path: path}
}

func (f *FileMedium) Read(ctx context.Context) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (f *FileMedium) Write(ctx context.Context, data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	return os.Rename(tmpName, f.path)
}

// RedisMedium 以单个 key 保存账本
type RedisMedium struct {
	client redis.UniversalClient
	key    string
}

func NewRedisMedium(client redis.UniversalClient, key string) *RedisMedium {
	return &RedisMedium{client: client, key: key}
}

func (r *RedisMedium) Read(ctx context.Context) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return data, true, nil
}

func (r *RedisMedium) Write(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// BlobStore 按 key 存取二进制内容的数据库仓储
type BlobStore interface {
	LoadBlob(ctx context.Context, key string) ([]byte, bool, error)
	SaveBlob(ctx context.Context, key string, data []byte) error
}

// BlobMedium 基于数据库仓储的介质
type BlobMedium struct {
	store BlobStore
	key   string
}

func NewBlobMedium(store BlobStore, key string) *BlobMedium {
	return &BlobMedium{store: store, key: key}
}

func (b *BlobMedium) Read(ctx context.Context) ([]byte, bool, error) {
	return b.store.LoadBlob(ctx, b.key)
}

func (b *BlobMedium) Write(ctx context.Context, data []byte) error {
	return b.store.SaveBlob(ctx, b.key, data)
}
