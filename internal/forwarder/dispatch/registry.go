package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/transport"
	"tg_forwarder/internal/logger"
)

var (
	// ErrNoSender 没有可用的发送 Bot
	ErrNoSender = errors.New("no active sender available")
	// ErrUnknownSender 发送 Bot 未登记
	ErrUnknownSender = errors.New("unknown sender")
)

// HealthStore 发送 Bot 状态持久化
type HealthStore interface {
	SaveHealth(ctx context.Context, consumerID string, health models.Health, errorCount int) error
}

type senderSlot struct {
	consumer   models.Consumer
	sender     transport.Sender
	health     models.Health
	errorCount int
	sent       int64
	lastUsed   time.Time
}

// SenderStatus 发送 Bot 状态快照
type SenderStatus struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Username   string        `json:"username,omitempty"`
	Health     models.Health `json:"health"`
	ErrorCount int           `json:"error_count"`
	Sent       int64         `json:"sent"`
	LastUsed   *time.Time    `json:"last_used,omitempty"`
}

// registry 发送 Bot 登记表
type registry struct {
	store HealthStore

	mu    sync.Mutex
	slots map[string]*senderSlot
	order []string
}

func newRegistry(store HealthStore) *registry {
	return &registry{store: store, slots: make(map[string]*senderSlot)}
}

func (r *registry) add(consumer models.Consumer, sender transport.Sender) error {
	id := consumer.Key()
	health := models.HealthActive
	if consumer.Health == models.HealthSuspended {
		health = models.HealthSuspended
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.slots[id]; exists {
		return fmt.Errorf("sender %s already registered", id)
	}
	r.slots[id] = &senderSlot{
		consumer:   consumer,
		sender:     sender,
		health:     health,
		errorCount: consumer.ErrorCount,
	}
	r.order = append(r.order, id)
	return nil
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[id]; !ok {
		return false
	}
	delete(r.slots, id)
	for i, key := range r.order {
		if key == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// active 可用发送 Bot ID，保持登记顺序
func (r *registry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.slots[id].health.IsUsable() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *registry) get(id string) (transport.Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok || !s.health.IsUsable() {
		return nil, false
	}
	return s.sender, true
}

func (r *registry) success(ctx context.Context, id string, now time.Time) {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	reset := s.errorCount != 0
	s.sent++
	s.lastUsed = now
	s.errorCount = 0
	health := s.health
	r.mu.Unlock()

	if reset {
		r.persist(ctx, id, health, 0)
	}
}

// failure 记录失败，返回是否因此挂起
// 发送 Bot 只有 active 和 suspended 两种状态，未到阈值的失败只累计次数
func (r *registry) failure(ctx context.Context, id string, cause error, threshold int) bool {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok || s.health == models.HealthSuspended {
		r.mu.Unlock()
		return false
	}
	s.errorCount++
	terminal := errors.Is(cause, transport.ErrForbidden) || errors.Is(cause, transport.ErrUnauthorized)
	suspended := terminal || (threshold > 0 && s.errorCount >= threshold)
	if suspended {
		s.health = models.HealthSuspended
	}
	health, count := s.health, s.errorCount
	r.mu.Unlock()

	r.persist(ctx, id, health, count)
	if suspended {
		logger.L().Errorf("Sender %s suspended after error: %v", id, cause)
	} else {
		logger.L().Warnf("Sender %s failure (%d/%d): %v", id, count, threshold, cause)
	}
	return suspended
}

func (r *registry) resume(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSender, id)
	}
	if s.health != models.HealthSuspended {
		r.mu.Unlock()
		return fmt.Errorf("sender %s is %s, not suspended", id, s.health)
	}
	s.health = models.HealthActive
	s.errorCount = 0
	r.mu.Unlock()

	r.persist(ctx, id, models.HealthActive, 0)
	logger.L().Infof("Sender %s resumed", id)
	return nil
}

func (r *registry) snapshot() []SenderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SenderStatus, 0, len(r.order))
	for _, id := range r.order {
		s := r.slots[id]
		st := SenderStatus{
			ID:         id,
			Name:       s.consumer.Name,
			Username:   s.consumer.Username,
			Health:     s.health,
			ErrorCount: s.errorCount,
			Sent:       s.sent,
		}
		if !s.lastUsed.IsZero() {
			t := s.lastUsed
			st.LastUsed = &t
		}
		out = append(out, st)
	}
	return out
}

func (r *registry) persist(ctx context.Context, id string, health models.Health, errorCount int) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveHealth(ctx, id, health, errorCount); err != nil {
		logger.L().Errorf("Failed to persist sender %s health: %v", id, err)
	}
}
