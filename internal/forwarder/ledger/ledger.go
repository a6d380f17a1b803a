// Package ledger 送达去重：转发前检查指纹，确认送达后才写入记录
package ledger

import (
	"context"
	"fmt"
	"sync"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/repository"
	"tg_forwarder/internal/logger"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize 已送达指纹的本地缓存容量
const DefaultCacheSize = 10000

// Ledger 去重账本
// Mongo 中的记录是唯一事实来源，LRU 只缓存已确认存在的键
// inflight 记录已入队但尚未确认送达的键，避免同一内容重复入队
type Ledger struct {
	repo  repository.MessageRecordRepository
	cache *lru.Cache[string, struct{}]

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New 创建去重账本
func New(repo repository.MessageRecordRepository, cacheSize int) (*Ledger, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger cache: %w", err)
	}
	return &Ledger{
		repo:     repo,
		cache:    cache,
		inflight: make(map[string]struct{}),
	}, nil
}

// IsDuplicate 是否已送达
func (l *Ledger) IsDuplicate(ctx context.Context, key string) (bool, error) {
	if l.cache.Contains(key) {
		return true, nil
	}
	exists, err := l.repo.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check message record: %w", err)
	}
	if exists {
		l.cache.Add(key, struct{}{})
	}
	return exists, nil
}

// Claim 占用一个键：已送达或正在投递时返回 false
// 成功占用后必须调用 Record 或 Release
func (l *Ledger) Claim(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	if _, busy := l.inflight[key]; busy {
		l.mu.Unlock()
		return false, nil
	}
	l.inflight[key] = struct{}{}
	l.mu.Unlock()

	dup, err := l.IsDuplicate(ctx, key)
	if err != nil || dup {
		l.Release(key)
		return false, err
	}
	return true, nil
}

// Release 放弃占用（投递失败或被过滤）
func (l *Ledger) Release(key string) {
	l.mu.Lock()
	delete(l.inflight, key)
	l.mu.Unlock()
}

// Record 确认送达后写入记录，rec.Fingerprint 为去重键
func (l *Ledger) Record(ctx context.Context, rec *models.MessageRecord) error {
	defer l.Release(rec.Fingerprint)

	if err := l.repo.Insert(ctx, rec); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	l.cache.Add(rec.Fingerprint, struct{}{})
	logger.L().Debugf("Recorded delivery: key=%s target=%d", rec.Fingerprint, rec.TargetChannelID)
	return nil
}

// Inflight 正在投递的键数量
func (l *Ledger) Inflight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}
