// Package memstore 仓储接口的内存实现，供单元测试和无数据库的本地调试使用
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/repository"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Store 全部集合共用一把锁
type Store struct {
	mu          sync.Mutex
	credentials []*models.Credential
	consumers   []*models.Consumer
	groups      []*models.ForwardingGroup
	sources     []*models.SourceChannel
	targets     []*models.TargetChannel
	records     map[string]*models.MessageRecord
	stats       []*models.DailyStat
}

// New 创建空存储
func New() *Store {
	return &Store{records: make(map[string]*models.MessageRecord)}
}

// Credentials 凭据仓储
func (s *Store) Credentials() repository.CredentialRepository { return credentialRepo{s} }

// Consumers 身份仓储
func (s *Store) Consumers() repository.ConsumerRepository { return consumerRepo{s} }

// Groups 转发组仓储
func (s *Store) Groups() repository.GroupRepository { return groupRepo{s} }

// Channels 频道仓储
func (s *Store) Channels() repository.ChannelRepository { return channelRepo{s} }

// Records 送达记录仓储
func (s *Store) Records() repository.MessageRecordRepository { return recordRepo{s} }

// Statistics 统计仓储
func (s *Store) Statistics() repository.StatisticRepository { return statRepo{s} }

func notFound(kind string, id primitive.ObjectID) error {
	return fmt.Errorf("%s %s: %w", kind, id.Hex(), repository.ErrNotFound)
}

type credentialRepo struct{ s *Store }

func (r credentialRepo) Create(_ context.Context, cred *models.Credential) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.credentials {
		if c.AppID == cred.AppID {
			return fmt.Errorf("credential app_id %s already exists: %w", cred.AppID, repository.ErrDuplicate)
		}
	}
	if cred.ID.IsZero() {
		cred.ID = primitive.NewObjectID()
	}
	if cred.Status == "" {
		cred.Status = models.CredentialActive
	}
	cred.CreatedAt = time.Now()
	cred.UpdatedAt = cred.CreatedAt
	c := *cred
	r.s.credentials = append(r.s.credentials, &c)
	return nil
}

func (r credentialRepo) Delete(_ context.Context, id primitive.ObjectID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, c := range r.s.credentials {
		if c.ID == id {
			r.s.credentials = append(r.s.credentials[:i], r.s.credentials[i+1:]...)
			return nil
		}
	}
	return notFound("credential", id)
}

func (r credentialRepo) List(context.Context) ([]*models.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*models.Credential, 0, len(r.s.credentials))
	for _, c := range r.s.credentials {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r credentialRepo) UpdateUsed(_ context.Context, id primitive.ObjectID, used int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.credentials {
		if c.ID == id {
			c.Used = used
			c.UpdatedAt = time.Now()
			return nil
		}
	}
	return notFound("credential", id)
}

func (credentialRepo) EnsureIndexes(context.Context) error { return nil }

type consumerRepo struct{ s *Store }

func (r consumerRepo) Create(_ context.Context, consumer *models.Consumer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if consumer.ID.IsZero() {
		consumer.ID = primitive.NewObjectID()
	}
	if consumer.Health == "" {
		consumer.Health = models.HealthUnbound
	}
	consumer.CreatedAt = time.Now()
	consumer.UpdatedAt = consumer.CreatedAt
	c := *consumer
	r.s.consumers = append(r.s.consumers, &c)
	return nil
}

func (r consumerRepo) find(id primitive.ObjectID) *models.Consumer {
	for _, c := range r.s.consumers {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (r consumerRepo) Get(_ context.Context, id primitive.ObjectID) (*models.Consumer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.find(id)
	if c == nil {
		return nil, notFound("consumer", id)
	}
	cp := *c
	return &cp, nil
}

func (r consumerRepo) ListByKind(_ context.Context, kind models.ConsumerKind) ([]*models.Consumer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Consumer
	for _, c := range r.s.consumers {
		if c.Kind == kind {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r consumerRepo) UpdateHealth(_ context.Context, id primitive.ObjectID, health models.Health, errorCount int) error {
	return r.update(id, func(c *models.Consumer) {
		c.Health = health
		c.ErrorCount = errorCount
	})
}

func (r consumerRepo) UpdateBinding(_ context.Context, id primitive.ObjectID, credentialID string) error {
	return r.update(id, func(c *models.Consumer) { c.CredentialID = credentialID })
}

func (r consumerRepo) MarkUsed(_ context.Context, id primitive.ObjectID, at time.Time) error {
	return r.update(id, func(c *models.Consumer) {
		t := at
		c.LastUsedAt = &t
		c.MessageCount++
	})
}

func (r consumerRepo) Delete(_ context.Context, id primitive.ObjectID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, c := range r.s.consumers {
		if c.ID == id {
			r.s.consumers = append(r.s.consumers[:i], r.s.consumers[i+1:]...)
			return nil
		}
	}
	return notFound("consumer", id)
}

func (r consumerRepo) update(id primitive.ObjectID, fn func(*models.Consumer)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.find(id)
	if c == nil {
		return notFound("consumer", id)
	}
	fn(c)
	c.UpdatedAt = time.Now()
	return nil
}

func (consumerRepo) EnsureIndexes(context.Context) error { return nil }

type groupRepo struct{ s *Store }

func (r groupRepo) Create(_ context.Context, group *models.ForwardingGroup) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, g := range r.s.groups {
		if g.Name == group.Name {
			return fmt.Errorf("group name %q already exists: %w", group.Name, repository.ErrDuplicate)
		}
	}
	if group.ID.IsZero() {
		group.ID = primitive.NewObjectID()
	}
	if group.Status == "" {
		group.Status = models.GroupStatusActive
	}
	group.CreatedAt = time.Now()
	group.UpdatedAt = group.CreatedAt
	g := *group
	r.s.groups = append(r.s.groups, &g)
	return nil
}

func (r groupRepo) find(id primitive.ObjectID) *models.ForwardingGroup {
	for _, g := range r.s.groups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

func (r groupRepo) Get(_ context.Context, id primitive.ObjectID) (*models.ForwardingGroup, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g := r.find(id)
	if g == nil {
		return nil, notFound("group", id)
	}
	cp := *g
	return &cp, nil
}

func (r groupRepo) List(context.Context) ([]*models.ForwardingGroup, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*models.ForwardingGroup, 0, len(r.s.groups))
	for _, g := range r.s.groups {
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

func (r groupRepo) UpdateFilter(_ context.Context, id primitive.ObjectID, filter models.FilterConfig, footer *string) error {
	return r.update(id, func(g *models.ForwardingGroup) {
		g.Filter = filter
		if footer != nil {
			g.Footer = *footer
		}
	})
}

func (r groupRepo) UpdateSchedule(_ context.Context, id primitive.ObjectID, schedule *models.Schedule) error {
	return r.update(id, func(g *models.ForwardingGroup) {
		if schedule == nil {
			g.Schedule = nil
			return
		}
		s := *schedule
		g.Schedule = &s
	})
}

func (r groupRepo) UpdateStatus(_ context.Context, id primitive.ObjectID, status models.GroupStatus) error {
	return r.update(id, func(g *models.ForwardingGroup) { g.Status = status })
}

func (r groupRepo) SetEnabled(_ context.Context, id primitive.ObjectID, enabled bool) error {
	return r.update(id, func(g *models.ForwardingGroup) { g.Enabled = enabled })
}

func (r groupRepo) update(id primitive.ObjectID, fn func(*models.ForwardingGroup)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g := r.find(id)
	if g == nil {
		return notFound("group", id)
	}
	fn(g)
	g.UpdatedAt = time.Now()
	return nil
}

func (groupRepo) EnsureIndexes(context.Context) error { return nil }

type channelRepo struct{ s *Store }

func (r channelRepo) AddSource(_ context.Context, source *models.SourceChannel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.sources {
		if c.GroupID == source.GroupID && c.ChannelID == source.ChannelID {
			return fmt.Errorf("source channel %d already bound to group: %w", source.ChannelID, repository.ErrDuplicate)
		}
	}
	if source.ID.IsZero() {
		source.ID = primitive.NewObjectID()
	}
	source.CreatedAt = time.Now()
	source.UpdatedAt = source.CreatedAt
	c := *source
	r.s.sources = append(r.s.sources, &c)
	return nil
}

func (r channelRepo) AddTarget(_ context.Context, target *models.TargetChannel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.targets {
		if c.GroupID == target.GroupID && c.ChannelID == target.ChannelID {
			return fmt.Errorf("target channel %d already bound to group: %w", target.ChannelID, repository.ErrDuplicate)
		}
	}
	if target.ID.IsZero() {
		target.ID = primitive.NewObjectID()
	}
	target.CreatedAt = time.Now()
	c := *target
	r.s.targets = append(r.s.targets, &c)
	return nil
}

func (r channelRepo) ListSources(context.Context) ([]*models.SourceChannel, error) {
	return r.sourcesWhere(func(*models.SourceChannel) bool { return true }), nil
}

func (r channelRepo) ListSourcesByGroup(_ context.Context, groupID primitive.ObjectID) ([]*models.SourceChannel, error) {
	return r.sourcesWhere(func(c *models.SourceChannel) bool { return c.GroupID == groupID }), nil
}

func (r channelRepo) sourcesWhere(keep func(*models.SourceChannel) bool) []*models.SourceChannel {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.SourceChannel
	for _, c := range r.s.sources {
		if keep(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

func (r channelRepo) ListTargetsByGroup(_ context.Context, groupID primitive.ObjectID) ([]*models.TargetChannel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.TargetChannel
	for _, c := range r.s.targets {
		if c.GroupID == groupID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r channelRepo) AdvanceHighWater(_ context.Context, sourceID primitive.ObjectID, messageID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.sources {
		if c.ID == sourceID {
			if messageID > c.LastMessageID {
				c.LastMessageID = messageID
			}
			c.UpdatedAt = time.Now()
			return nil
		}
	}
	return notFound("source channel", sourceID)
}

func (channelRepo) EnsureIndexes(context.Context) error { return nil }

type recordRepo struct{ s *Store }

func (r recordRepo) Insert(_ context.Context, record *models.MessageRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.records[record.Fingerprint]; exists {
		return nil
	}
	if record.ID.IsZero() {
		record.ID = primitive.NewObjectID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	rec := *record
	r.s.records[record.Fingerprint] = &rec
	return nil
}

func (r recordRepo) Exists(_ context.Context, fingerprint string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.records[fingerprint]
	return ok, nil
}

func (r recordRepo) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, rec := range r.s.records {
		if rec.CreatedAt.Before(before) {
			delete(r.s.records, k)
			n++
		}
	}
	return n, nil
}

func (recordRepo) EnsureIndexes(context.Context) error { return nil }

type statRepo struct{ s *Store }

func (r statRepo) Increment(_ context.Context, date string, groupID primitive.ObjectID, consumerID string, sent, errors int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, st := range r.s.stats {
		if st.Date == date && st.GroupID == groupID && st.ConsumerID == consumerID {
			st.Sent += sent
			st.Errors += errors
			st.UpdatedAt = time.Now()
			return nil
		}
	}
	r.s.stats = append(r.s.stats, &models.DailyStat{
		ID:         primitive.NewObjectID(),
		Date:       date,
		GroupID:    groupID,
		ConsumerID: consumerID,
		Sent:       sent,
		Errors:     errors,
		UpdatedAt:  time.Now(),
	})
	return nil
}

func (r statRepo) ListByGroup(_ context.Context, groupID primitive.ObjectID, sinceDate string) ([]*models.DailyStat, error) {
	return r.where(func(st *models.DailyStat) bool {
		return st.GroupID == groupID && st.Date >= sinceDate
	}), nil
}

func (r statRepo) ListByDate(_ context.Context, date string) ([]*models.DailyStat, error) {
	return r.where(func(st *models.DailyStat) bool { return st.Date == date }), nil
}

func (r statRepo) where(keep func(*models.DailyStat) bool) []*models.DailyStat {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.DailyStat
	for _, st := range r.s.stats {
		if keep(st) {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func (r statRepo) DeleteBefore(_ context.Context, beforeDate string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.stats[:0]
	var n int64
	for _, st := range r.s.stats {
		if st.Date < beforeDate {
			n++
			continue
		}
		kept = append(kept, st)
	}
	r.s.stats = kept
	return n, nil
}

func (statRepo) EnsureIndexes(context.Context) error { return nil }
