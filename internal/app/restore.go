package app

import (
	"context"
	"fmt"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Restore 从存储恢复凭据池、监听账号绑定和发送 Bot
// 持久化的绑定超出容量或指向已删除凭据时被清除，账号稍后重新分配
func (e *Engine) Restore(ctx context.Context) error {
	creds, err := e.stores.Credentials.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	for _, cred := range creds {
		if err := e.Pool.Add(*cred); err != nil {
			logger.L().Warnf("Skipping credential %s: %v", cred.Name, err)
		}
	}

	listeners, err := e.stores.Consumers.ListByKind(ctx, models.ConsumerListener)
	if err != nil {
		return fmt.Errorf("failed to load listener accounts: %w", err)
	}
	bindings := make(map[string]string, len(listeners))
	for _, consumer := range listeners {
		if err := e.Listeners.Register(*consumer); err != nil {
			logger.L().Warnf("Skipping listener %s: %v", consumer.Name, err)
			continue
		}
		if consumer.CredentialID != "" {
			bindings[consumer.Key()] = consumer.CredentialID
		}
	}
	for _, id := range e.Pool.Restore(bindings) {
		logger.L().Warnf("Dropping stale credential binding for listener %s", id)
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			continue
		}
		if err := e.stores.Consumers.UpdateBinding(ctx, oid, ""); err != nil {
			logger.L().Errorf("Failed to clear binding for listener %s: %v", id, err)
		}
	}
	e.syncCredentialUsage(ctx)

	senders, err := e.stores.Consumers.ListByKind(ctx, models.ConsumerSender)
	if err != nil {
		return fmt.Errorf("failed to load sender bots: %w", err)
	}
	for _, consumer := range senders {
		sender, err := e.senderFactory(*consumer)
		if err != nil {
			logger.L().Warnf("Skipping sender %s: %v", consumer.Name, err)
			continue
		}
		if err := e.Dispatcher.AddSender(*consumer, sender); err != nil {
			logger.L().Warnf("Skipping sender %s: %v", consumer.Name, err)
		}
	}

	logger.L().Infof("State restored: credentials=%d listeners=%d senders=%d", len(creds), len(listeners), len(senders))
	return nil
}

func (e *Engine) syncCredentialUsage(ctx context.Context) {
	for _, cred := range e.Pool.Credentials() {
		if cred.ID.IsZero() {
			continue
		}
		if err := e.stores.Credentials.UpdateUsed(ctx, cred.ID, cred.Used); err != nil {
			logger.L().Errorf("Failed to persist usage of credential %s: %v", cred.Name, err)
		}
	}
}
