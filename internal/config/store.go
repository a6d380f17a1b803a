package config

import "sync"

// Source 运行时配置来源，每次决策时读取最新值
type Source interface {
	Current() Settings
}

// Store 持有当前生效的配置快照
type Store struct {
	mu       sync.RWMutex
	settings Settings
}

// NewStore 创建配置存储
func NewStore(initial Settings) *Store {
	return &Store{settings: initial}
}

// Current 返回配置快照（值拷贝）
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Replace 替换配置，调用方需先完成校验
func (s *Store) Replace(next Settings) {
	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()
}

// Reload 从文件重新加载并替换，失败时保留旧配置
func (s *Store) Reload(path string) (Settings, error) {
	next, err := LoadSettings(path)
	if err != nil {
		return s.Current(), err
	}
	s.Replace(*next)
	return *next, nil
}
