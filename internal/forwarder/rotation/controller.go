// Package rotation 管理监听账号的生命周期、健康状态与轮换。
//
// 状态机：unbound → connecting → active ⇄ degraded → suspended。
// suspended 只能通过 Resume 人工恢复。
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/transport"
	"tg_forwarder/internal/logger"
)

var (
	// ErrNoListener 没有可用的监听账号
	ErrNoListener = errors.New("no active listener available")
	// ErrUnknownAccount 账号未登记
	ErrUnknownAccount = errors.New("unknown account")
)

// Assigner 凭据分配能力（由 pool.Manager 提供）
type Assigner interface {
	Assign(consumerID string) (models.Credential, error)
	Release(consumerID string) (models.Credential, bool)
}

// Persister 状态持久化，在锁外调用
type Persister interface {
	SaveHealth(ctx context.Context, consumerID string, health models.Health, errorCount int) error
	SaveBinding(ctx context.Context, consumerID string, cred models.Credential, bound bool) error
}

// Hooks 账号可用性变化通知，供接收层重新订阅
type Hooks struct {
	OnActivated   func(ctx context.Context, accountID string)
	OnDeactivated func(ctx context.Context, accountID string)
}

type account struct {
	consumer   models.Consumer
	listener   transport.Listener
	health     models.Health
	errorCount int
	credential models.Credential
	bound      bool
}

// AccountStatus 账号状态快照
type AccountStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Health       models.Health `json:"health"`
	ErrorCount   int           `json:"error_count"`
	CredentialID string        `json:"credential_id,omitempty"`
	Connected    bool          `json:"connected"`
}

// AccountStats 账号统计
type AccountStats struct {
	Total     int     `json:"total"`
	Active    int     `json:"active"`
	Degraded  int     `json:"degraded"`
	Suspended int     `json:"suspended"`
	Offline   int     `json:"offline"`
	UsageRate float64 `json:"usage_rate"`
}

// Controller 监听账号控制器
type Controller struct {
	pool      Assigner
	factory   transport.ListenerFactory
	settings  config.Source
	persister Persister
	rotator   *Rotator
	hooks     Hooks
	now       func() time.Time

	mu       sync.Mutex
	accounts map[string]*account
	order    []string
}

// NewController 创建控制器
func NewController(pool Assigner, factory transport.ListenerFactory, settings config.Source, persister Persister, rotator *Rotator) *Controller {
	return &Controller{
		pool:      pool,
		factory:   factory,
		settings:  settings,
		persister: persister,
		rotator:   rotator,
		now:       time.Now,
		accounts:  make(map[string]*account),
	}
}

// SetHooks 设置可用性变化通知
func (c *Controller) SetHooks(h Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

// Register 登记监听账号，已挂起的账号保持挂起
func (c *Controller) Register(consumer models.Consumer) error {
	listener, err := c.factory(consumer)
	if err != nil {
		return fmt.Errorf("failed to create listener for %s: %w", consumer.Name, err)
	}

	id := consumer.Key()
	health := models.HealthUnbound
	if consumer.Health == models.HealthSuspended {
		health = models.HealthSuspended
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.accounts[id]; exists {
		return fmt.Errorf("account %s already registered", id)
	}
	c.accounts[id] = &account{
		consumer:   consumer,
		listener:   listener,
		health:     health,
		errorCount: consumer.ErrorCount,
	}
	c.order = append(c.order, id)
	return nil
}

// Activate 绑定凭据、连接并校验授权：unbound → connecting → active
func (c *Controller) Activate(ctx context.Context, id string) error {
	c.mu.Lock()
	acc, ok := c.accounts[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	if acc.health != models.HealthUnbound {
		c.mu.Unlock()
		return nil
	}
	cred, err := c.pool.Assign(id)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to assign credential to %s: %w", acc.consumer.Name, err)
	}
	acc.credential = cred
	acc.bound = true
	acc.health = models.HealthConnecting
	listener := acc.listener
	c.mu.Unlock()

	c.persistBinding(ctx, id, cred, true)

	if err := c.connect(ctx, listener, cred); err != nil {
		c.ReportFailure(ctx, id, err)
		return err
	}
	c.ReportSuccess(ctx, id)
	return nil
}

// ActivateAll 尝试激活全部未绑定账号，容量不足时其余账号保持 unbound
func (c *Controller) ActivateAll(ctx context.Context) {
	for _, id := range c.ids() {
		if err := c.Activate(ctx, id); err != nil {
			logger.L().Warnf("Failed to activate listener %s: %v", id, err)
		}
	}
}

// ReportSuccess 成功一次：错误计数清零，degraded/connecting 恢复为 active
func (c *Controller) ReportSuccess(ctx context.Context, id string) {
	c.mu.Lock()
	acc, ok := c.accounts[id]
	if !ok || acc.health == models.HealthSuspended || acc.health == models.HealthUnbound {
		c.mu.Unlock()
		return
	}
	changed := acc.health != models.HealthActive || acc.errorCount != 0
	becameActive := acc.health != models.HealthActive
	acc.health = models.HealthActive
	acc.errorCount = 0
	hook := c.hooks.OnActivated
	c.mu.Unlock()

	if changed {
		c.persistHealth(ctx, id, models.HealthActive, 0)
	}
	if becameActive {
		logger.L().Infof("Listener %s is active", id)
		if hook != nil {
			hook(ctx, id)
		}
	}
}

// ReportFailure 瞬时失败：错误计数加一，active → degraded，达到阈值 → suspended
func (c *Controller) ReportFailure(ctx context.Context, id string, cause error) {
	threshold := c.settings.Current().Rotation.ErrorThreshold

	c.mu.Lock()
	acc, ok := c.accounts[id]
	if !ok || acc.health == models.HealthSuspended || acc.health == models.HealthUnbound {
		c.mu.Unlock()
		return
	}
	wasActive := acc.health == models.HealthActive
	acc.errorCount++
	acc.health = models.HealthDegraded
	suspend := acc.errorCount >= threshold || errors.Is(cause, transport.ErrUnauthorized)
	if suspend {
		acc.health = models.HealthSuspended
	}
	health, count := acc.health, acc.errorCount
	hook := c.hooks.OnDeactivated
	c.mu.Unlock()

	logger.L().Warnf("Listener %s failure (%d/%d): %v", id, count, threshold, cause)
	c.persistHealth(ctx, id, health, count)

	if suspend {
		c.suspend(ctx, id)
	}
	if wasActive && hook != nil {
		hook(ctx, id)
	}
}

// suspend 断开连接并归还凭据
func (c *Controller) suspend(ctx context.Context, id string) {
	c.mu.Lock()
	acc, ok := c.accounts[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	listener := acc.listener
	acc.bound = false
	c.mu.Unlock()

	if err := listener.Close(); err != nil {
		logger.L().Warnf("Failed to close listener %s: %v", id, err)
	}
	if cred, released := c.pool.Release(id); released {
		c.persistBinding(ctx, id, cred, false)
	}
	logger.L().Errorf("Listener %s suspended, manual resume required", id)
}

// Resume 人工恢复挂起账号：suspended → unbound → 重新激活
func (c *Controller) Resume(ctx context.Context, id string) error {
	c.mu.Lock()
	acc, ok := c.accounts[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	if acc.health != models.HealthSuspended {
		c.mu.Unlock()
		return fmt.Errorf("account %s is %s, not suspended", id, acc.health)
	}
	acc.health = models.HealthUnbound
	acc.errorCount = 0
	c.mu.Unlock()

	c.persistHealth(ctx, id, models.HealthUnbound, 0)
	return c.Activate(ctx, id)
}

// Remove 注销账号并归还凭据
func (c *Controller) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	acc, ok := c.accounts[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	wasActive := acc.health == models.HealthActive
	delete(c.accounts, id)
	for i, key := range c.order {
		if key == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	hook := c.hooks.OnDeactivated
	c.mu.Unlock()

	_ = acc.listener.Close()
	if cred, released := c.pool.Release(id); released {
		c.persistBinding(ctx, id, cred, false)
	}
	if wasActive && hook != nil {
		hook(ctx, id)
	}
	return nil
}

// Rebind 重新平衡后更新账号的凭据并重连
func (c *Controller) Rebind(ctx context.Context, bindings map[string]string, creds []models.Credential) {
	byKey := make(map[string]models.Credential, len(creds))
	for _, cred := range creds {
		byKey[cred.Key()] = cred
	}

	type rebind struct {
		id       string
		listener transport.Listener
		cred     models.Credential
	}
	var moved []rebind

	c.mu.Lock()
	for id, acc := range c.accounts {
		key, ok := bindings[id]
		if !ok || !acc.bound || acc.credential.Key() == key {
			continue
		}
		acc.credential = byKey[key]
		moved = append(moved, rebind{id: id, listener: acc.listener, cred: acc.credential})
	}
	c.mu.Unlock()

	for _, m := range moved {
		c.persistBinding(ctx, m.id, m.cred, true)
		_ = m.listener.Close()
		if err := c.connect(ctx, m.listener, m.cred); err != nil {
			c.ReportFailure(ctx, m.id, err)
			continue
		}
		c.ReportSuccess(ctx, m.id)
	}
}

// Sweep 一次健康检查：断线重连并重新校验授权，未绑定账号尝试绑定
func (c *Controller) Sweep(ctx context.Context) {
	for _, id := range c.ids() {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		acc, ok := c.accounts[id]
		if !ok {
			c.mu.Unlock()
			continue
		}
		health, listener, cred := acc.health, acc.listener, acc.credential
		c.mu.Unlock()

		switch health {
		case models.HealthSuspended:
			continue
		case models.HealthUnbound:
			if err := c.Activate(ctx, id); err != nil {
				logger.L().Debugf("Listener %s still unbound: %v", id, err)
			}
			continue
		}

		if !listener.Connected() {
			logger.L().Infof("Listener %s disconnected, reconnecting", id)
			if err := c.connect(ctx, listener, cred); err != nil {
				c.ReportFailure(ctx, id, err)
				continue
			}
		} else if err := c.verify(ctx, listener); err != nil {
			c.ReportFailure(ctx, id, err)
			continue
		}
		c.ReportSuccess(ctx, id)
	}
}

// Run 按配置周期执行健康检查，直到 ctx 取消
func (c *Controller) Run(ctx context.Context) error {
	logger.L().Info("Listener health sweep started")
	for {
		interval := c.settings.Current().HealthInterval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.L().Info("Listener health sweep stopped")
			return nil
		case <-timer.C:
			c.Sweep(ctx)
		}
	}
}

// Acquire 按轮换策略选择一个 active 监听账号
func (c *Controller) Acquire() (string, transport.Listener, error) {
	now := c.now()
	active := c.activeIDs()
	id, ok := c.rotator.Pick(now, active)
	if !ok {
		return "", nil, ErrNoListener
	}
	c.rotator.Advance(now, active)

	c.mu.Lock()
	defer c.mu.Unlock()
	acc, exists := c.accounts[id]
	if !exists {
		return "", nil, ErrNoListener
	}
	return id, acc.listener, nil
}

// Listener 返回账号对应的传输实例
func (c *Controller) Listener(id string) (transport.Listener, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acc, ok := c.accounts[id]
	if !ok || acc.health != models.HealthActive {
		return nil, false
	}
	return acc.listener, true
}

// Accounts 全部账号状态快照
func (c *Controller) Accounts() []AccountStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]AccountStatus, 0, len(c.order))
	for _, id := range c.order {
		acc := c.accounts[id]
		st := AccountStatus{
			ID:         id,
			Name:       acc.consumer.Name,
			Health:     acc.health,
			ErrorCount: acc.errorCount,
			Connected:  acc.listener.Connected(),
		}
		if acc.bound {
			st.CredentialID = acc.credential.Key()
		}
		out = append(out, st)
	}
	return out
}

// Stats 账号统计
func (c *Controller) Stats() AccountStats {
	var st AccountStats
	for _, acc := range c.Accounts() {
		st.Total++
		switch acc.Health {
		case models.HealthActive:
			st.Active++
		case models.HealthDegraded:
			st.Degraded++
		case models.HealthSuspended:
			st.Suspended++
		default:
			st.Offline++
		}
	}
	if st.Total > 0 {
		st.UsageRate = float64(st.Active) / float64(st.Total)
	}
	return st
}

// Close 断开全部连接
func (c *Controller) Close() {
	c.mu.Lock()
	listeners := make([]transport.Listener, 0, len(c.accounts))
	for _, acc := range c.accounts {
		listeners = append(listeners, acc.listener)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
}

func (c *Controller) connect(ctx context.Context, listener transport.Listener, cred models.Credential) error {
	timeout := c.settings.Current().SendTimeout()
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := listener.Connect(connectCtx, cred); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	return c.verify(ctx, listener)
}

func (c *Controller) verify(ctx context.Context, listener transport.Listener) error {
	timeout := c.settings.Current().SendTimeout()
	verifyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := listener.Authorized(verifyCtx)
	if err != nil {
		return fmt.Errorf("authorization check failed: %w", err)
	}
	if !ok {
		return transport.ErrUnauthorized
	}
	return nil
}

func (c *Controller) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (c *Controller) activeIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.order))
	for _, id := range c.order {
		if c.accounts[id].health == models.HealthActive {
			out = append(out, id)
		}
	}
	return out
}

func (c *Controller) persistHealth(ctx context.Context, id string, health models.Health, errorCount int) {
	if c.persister == nil {
		return
	}
	if err := c.persister.SaveHealth(ctx, id, health, errorCount); err != nil {
		logger.L().Errorf("Failed to persist listener health: id=%s err=%v", id, err)
	}
}

func (c *Controller) persistBinding(ctx context.Context, id string, cred models.Credential, bound bool) {
	if c.persister == nil {
		return
	}
	if err := c.persister.SaveBinding(ctx, id, cred, bound); err != nil {
		logger.L().Errorf("Failed to persist listener binding: id=%s err=%v", id, err)
	}
}
