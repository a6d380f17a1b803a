package service

import (
	"context"
	"fmt"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/repository"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Persister 把账号健康状态和凭据绑定写回存储，
// 同时满足 rotation.Persister 与 dispatch.HealthStore
type Persister struct {
	consumers   repository.ConsumerRepository
	credentials repository.CredentialRepository
}

// NewPersister 创建持久化器
func NewPersister(consumers repository.ConsumerRepository, credentials repository.CredentialRepository) *Persister {
	return &Persister{consumers: consumers, credentials: credentials}
}

// SaveHealth 保存健康状态与错误计数
func (p *Persister) SaveHealth(ctx context.Context, consumerID string, health models.Health, errorCount int) error {
	id, err := primitive.ObjectIDFromHex(consumerID)
	if err != nil {
		return fmt.Errorf("bad consumer id %q: %w", consumerID, err)
	}
	return p.consumers.UpdateHealth(ctx, id, health, errorCount)
}

// SaveBinding 保存账号的凭据绑定以及凭据当前占用数
func (p *Persister) SaveBinding(ctx context.Context, consumerID string, cred models.Credential, bound bool) error {
	id, err := primitive.ObjectIDFromHex(consumerID)
	if err != nil {
		return fmt.Errorf("bad consumer id %q: %w", consumerID, err)
	}
	credentialID := ""
	if bound {
		credentialID = cred.Key()
	}
	if err := p.consumers.UpdateBinding(ctx, id, credentialID); err != nil {
		return err
	}
	if cred.ID.IsZero() {
		return nil
	}
	return p.credentials.UpdateUsed(ctx, cred.ID, cred.Used)
}
