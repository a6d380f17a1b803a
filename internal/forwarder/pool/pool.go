// Package pool 管理上游 API 凭据与监听账号之间的绑定关系。
//
// 所有状态变更在一把互斥锁内原子完成；持久化由调用方在拿到结果后进行，
// 锁内不做任何 I/O。
package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"tg_forwarder/internal/forwarder/models"
)

var (
	// ErrNotAvailable 没有剩余容量，属于资源耗尽而非致命错误
	ErrNotAvailable = errors.New("no credential capacity available")
	// ErrCredentialInUse 凭据仍有账号绑定，不能删除
	ErrCredentialInUse = errors.New("credential is in use")
	// ErrUnknownCredential 凭据不存在
	ErrUnknownCredential = errors.New("unknown credential")
	// ErrDuplicateCredential 凭据已存在
	ErrDuplicateCredential = errors.New("credential already registered")
)

type slot struct {
	cred      models.Credential
	consumers map[string]struct{}
}

func (s *slot) ratio() float64 {
	return float64(len(s.consumers)) / float64(s.cred.Capacity)
}

func (s *slot) full() bool {
	return len(s.consumers) >= s.cred.Capacity
}

// Manager 凭据池
type Manager struct {
	mu       sync.Mutex
	order    []string // 插入顺序，平局时按此顺序选择
	slots    map[string]*slot
	bindings map[string]string // consumer -> credential
}

// NewManager 创建空凭据池
func NewManager() *Manager {
	return &Manager{
		slots:    make(map[string]*slot),
		bindings: make(map[string]string),
	}
}

// Add 登记凭据，容量至少为 1
func (m *Manager) Add(cred models.Credential) error {
	if cred.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be >= 1", models.ErrInvalidCredential)
	}
	key := cred.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slots[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCredential, key)
	}
	cred.Used = 0
	if cred.Status == "" {
		cred.Status = models.CredentialActive
	}
	m.slots[key] = &slot{cred: cred, consumers: make(map[string]struct{})}
	m.order = append(m.order, key)
	return nil
}

// Restore 启动时恢复已持久化的绑定，超出容量或凭据不存在的绑定被丢弃并返回
func (m *Manager) Restore(bindings map[string]string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	consumers := make([]string, 0, len(bindings))
	for consumerID := range bindings {
		consumers = append(consumers, consumerID)
	}
	sort.Strings(consumers)

	var dropped []string
	for _, consumerID := range consumers {
		s, ok := m.slots[bindings[consumerID]]
		if !ok || s.full() || s.cred.Status != models.CredentialActive {
			dropped = append(dropped, consumerID)
			continue
		}
		m.bind(consumerID, s)
	}
	return dropped
}

// Remove 删除凭据，仍有绑定时返回 ErrCredentialInUse
func (m *Manager) Remove(credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[credentialID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCredential, credentialID)
	}
	if len(s.consumers) > 0 {
		return fmt.Errorf("%w: %d consumers bound", ErrCredentialInUse, len(s.consumers))
	}

	delete(m.slots, credentialID)
	for i, key := range m.order {
		if key == credentialID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Assign 为账号分配使用率最低的凭据；已绑定的账号直接返回原凭据
func (m *Manager) Assign(consumerID string) (models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key, bound := m.bindings[consumerID]; bound {
		return m.snapshot(m.slots[key]), nil
	}

	best := m.pickLocked()
	if best == nil {
		return models.Credential{}, ErrNotAvailable
	}
	m.bind(consumerID, best)
	return m.snapshot(best), nil
}

// Release 解除账号的绑定，返回被释放的凭据
func (m *Manager) Release(consumerID string) (models.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, bound := m.bindings[consumerID]
	if !bound {
		return models.Credential{}, false
	}
	s := m.slots[key]
	delete(s.consumers, consumerID)
	delete(m.bindings, consumerID)
	return m.snapshot(s), true
}

// SetStatus 启用或停用凭据；停用的凭据不再参与分配，已有绑定保持不变
func (m *Manager) SetStatus(credentialID string, status models.CredentialStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[credentialID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCredential, credentialID)
	}
	s.cred.Status = status
	return nil
}

// Rebalance 将现有绑定均匀分布到全部可用凭据。
// 第 i 个凭据分得 total/n 个账号，前 total%n 个各多一个，超出容量的部分按使用率最低原则补位。
// 返回变更后的全部凭据快照与新绑定表。
func (m *Manager) Rebalance() ([]models.Credential, map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]*slot, 0, len(m.order))
	for _, key := range m.order {
		if s := m.slots[key]; s.cred.Status == models.CredentialActive {
			active = append(active, s)
		}
	}
	if len(active) == 0 || len(m.bindings) == 0 {
		return m.snapshotsLocked(), m.bindingsLocked()
	}

	// 只迁移绑定在可用凭据上的账号
	var consumers []string
	for _, s := range active {
		for consumerID := range s.consumers {
			consumers = append(consumers, consumerID)
		}
		for consumerID := range s.consumers {
			delete(m.bindings, consumerID)
		}
		s.consumers = make(map[string]struct{})
	}
	sort.Strings(consumers)

	total := len(consumers)
	per := total / len(active)
	extra := total % len(active)

	next := 0
	for i, s := range active {
		quota := per
		if i < extra {
			quota++
		}
		for j := 0; j < quota && next < total && !s.full(); j++ {
			m.bind(consumers[next], s)
			next++
		}
	}
	for ; next < total; next++ {
		if best := m.pickLocked(); best != nil {
			m.bind(consumers[next], best)
		}
	}

	return m.snapshotsLocked(), m.bindingsLocked()
}

// Binding 查询账号当前绑定的凭据
func (m *Manager) Binding(consumerID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.bindings[consumerID]
	return key, ok
}

// Credentials 按插入顺序返回凭据快照
func (m *Manager) Credentials() []models.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotsLocked()
}

// Stats 池统计
type Stats struct {
	Credentials int     `json:"credentials"`
	Capacity    int     `json:"capacity"`
	Used        int     `json:"used"`
	Available   int     `json:"available"`
	UsageRate   float64 `json:"usage_rate"`
}

// Stats 返回池统计，停用凭据不计入容量
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	for _, key := range m.order {
		s := m.slots[key]
		st.Credentials++
		st.Used += len(s.consumers)
		if s.cred.Status == models.CredentialActive {
			st.Capacity += s.cred.Capacity
			if !s.full() {
				st.Available += s.cred.Capacity - len(s.consumers)
			}
		}
	}
	if st.Capacity > 0 {
		st.UsageRate = float64(st.Used) / float64(st.Capacity)
	}
	return st
}

// pickLocked 使用率最低的可用凭据，严格小于比较保证平局取插入顺序靠前者
func (m *Manager) pickLocked() *slot {
	var best *slot
	for _, key := range m.order {
		s := m.slots[key]
		if s.cred.Status != models.CredentialActive || s.full() {
			continue
		}
		if best == nil || s.ratio() < best.ratio() {
			best = s
		}
	}
	return best
}

func (m *Manager) bind(consumerID string, s *slot) {
	s.consumers[consumerID] = struct{}{}
	m.bindings[consumerID] = s.cred.Key()
}

func (m *Manager) snapshot(s *slot) models.Credential {
	c := s.cred
	c.Used = len(s.consumers)
	return c
}

func (m *Manager) snapshotsLocked() []models.Credential {
	out := make([]models.Credential, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.snapshot(m.slots[key]))
	}
	return out
}

func (m *Manager) bindingsLocked() map[string]string {
	out := make(map[string]string, len(m.bindings))
	for k, v := range m.bindings {
		out[k] = v
	}
	return out
}
