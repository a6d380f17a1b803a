package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tg_forwarder/internal/forwarder/dispatch"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/pool"
	"tg_forwarder/internal/forwarder/rotation"
	"tg_forwarder/internal/logger"
)

// CredentialInput 新增凭据参数
type CredentialInput struct {
	Name     string
	AppID    string
	AppHash  string
	Capacity int
}

// ParseCredentialInput 解析 "app_id app_hash [capacity] [name]"
func ParseCredentialInput(raw string) (CredentialInput, error) {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return CredentialInput{}, fmt.Errorf("%w: expected app_id app_hash [capacity] [name]", errInvalidArgument)
	}
	in := CredentialInput{AppID: fields[0], AppHash: fields[1], Capacity: 1}
	if len(fields) > 2 {
		capacity, err := strconv.Atoi(fields[2])
		if err != nil {
			return CredentialInput{}, fmt.Errorf("%w: capacity must be an integer, got %q", errInvalidArgument, fields[2])
		}
		in.Capacity = capacity
	}
	if len(fields) > 3 {
		in.Name = strings.Join(fields[3:], " ")
	} else {
		in.Name = "api-" + in.AppID
	}
	return in, nil
}

// PoolStatus 凭据池状态
type PoolStatus struct {
	Stats       pool.Stats          `json:"stats"`
	Credentials []models.Credential `json:"credentials"`
}

// AccountsReport 账号总览
type AccountsReport struct {
	Listeners     []rotation.AccountStatus `json:"listeners"`
	ListenerStats rotation.AccountStats    `json:"listener_stats"`
	Senders       []dispatch.SenderStatus  `json:"senders"`
	Dispatcher    dispatch.Stats           `json:"dispatcher"`
}

// AddCredential 校验并登记凭据，然后尝试激活等待容量的监听账号
func (a *Admin) AddCredential(ctx context.Context, in CredentialInput) Result {
	if err := models.ValidateCredential(in.AppID, in.AppHash, in.Capacity); err != nil {
		return fromError("add credential", err)
	}
	cred := &models.Credential{
		Name:     strings.TrimSpace(in.Name),
		AppID:    strings.TrimSpace(in.AppID),
		AppHash:  strings.TrimSpace(in.AppHash),
		Capacity: in.Capacity,
		Status:   models.CredentialActive,
	}
	if err := a.Credentials.Create(ctx, cred); err != nil {
		return logFailure("add credential", fromError("add credential", err))
	}
	if err := a.Pool.Add(*cred); err != nil {
		// 池中登记失败，撤回刚写入的记录
		if delErr := a.Credentials.Delete(ctx, cred.ID); delErr != nil {
			logger.L().Errorf("Failed to roll back credential %s: %v", cred.Key(), delErr)
		}
		return logFailure("add credential", fromError("add credential", err))
	}
	logger.L().Infof("Credential added: id=%s app_id=%s capacity=%d", cred.Key(), cred.AppID, cred.Capacity)

	a.Listeners.ActivateAll(ctx)
	return Success(fmt.Sprintf("credential %s added", cred.Name), cred)
}

// RemoveCredential 删除没有绑定账号的凭据
func (a *Admin) RemoveCredential(ctx context.Context, credentialID string) Result {
	id, err := parseID("credential", credentialID)
	if err != nil {
		return fromError("remove credential", err)
	}
	if err := a.Pool.Remove(id.Hex()); err != nil {
		return fromError("remove credential", err)
	}
	if err := a.Credentials.Delete(ctx, id); err != nil {
		return logFailure("remove credential", fromError("remove credential", err))
	}
	logger.L().Infof("Credential removed: id=%s", id.Hex())
	return Success("credential removed", nil)
}

// GetPoolStatus 凭据池统计与明细
func (a *Admin) GetPoolStatus(ctx context.Context) Result {
	st := PoolStatus{Stats: a.Pool.Stats(), Credentials: a.Pool.Credentials()}
	return Success(fmt.Sprintf("%d/%d used", st.Stats.Used, st.Stats.Capacity), st)
}

// Rebalance 重新平衡绑定并让迁移的账号重连
func (a *Admin) Rebalance(ctx context.Context) Result {
	creds, bindings := a.Pool.Rebalance()
	a.Listeners.Rebind(ctx, bindings, creds)
	for _, cred := range creds {
		if err := a.Credentials.UpdateUsed(ctx, cred.ID, cred.Used); err != nil {
			logger.L().Warnf("Failed to persist usage of credential %s: %v", cred.Name, err)
		}
	}
	return Success(fmt.Sprintf("rebalanced %d accounts across %d credentials", len(bindings), len(creds)), a.Pool.Stats())
}

// AddListener 登记监听账号并尝试激活；容量不足时保持 unbound
func (a *Admin) AddListener(ctx context.Context, name, token, phone string) Result {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(token) == "" {
		return Failure(CodeInvalidArgument, "listener name and token are required")
	}
	consumer := &models.Consumer{
		Kind:   models.ConsumerListener,
		Name:   name,
		Token:  strings.TrimSpace(token),
		Phone:  strings.TrimSpace(phone),
		Health: models.HealthUnbound,
	}
	if err := a.Consumers.Create(ctx, consumer); err != nil {
		return logFailure("add listener", fromError("add listener", err))
	}
	if err := a.Listeners.Register(*consumer); err != nil {
		return logFailure("add listener", fromError("add listener", err))
	}
	if err := a.Listeners.Activate(ctx, consumer.Key()); err != nil {
		// 账号已登记，等待容量或下次健康检查
		return Success(fmt.Sprintf("listener %s registered, not active: %v", name, err), consumer)
	}
	return Success(fmt.Sprintf("listener %s active", name), consumer)
}

// AddSender 校验 Bot token 后登记发送 Bot
func (a *Admin) AddSender(ctx context.Context, name, token string) Result {
	name = strings.TrimSpace(name)
	token = strings.TrimSpace(token)
	if name == "" || token == "" {
		return Failure(CodeInvalidArgument, "sender name and token are required")
	}
	consumer := models.Consumer{
		Kind:   models.ConsumerSender,
		Name:   name,
		Token:  token,
		Health: models.HealthActive,
	}
	sender, err := a.SenderFactory(consumer)
	if err != nil {
		return fromError("add sender", fmt.Errorf("%w: %v", errInvalidArgument, err))
	}
	username, err := sender.Verify(ctx)
	if err != nil {
		return Failure(CodeInvalidArgument, "add sender: token rejected: %v", err)
	}
	consumer.Username = username

	if err := a.Consumers.Create(ctx, &consumer); err != nil {
		return logFailure("add sender", fromError("add sender", err))
	}
	if err := a.Senders.AddSender(consumer, sender); err != nil {
		return logFailure("add sender", fromError("add sender", err))
	}
	logger.L().Infof("Sender added: id=%s username=@%s", consumer.Key(), username)
	return Success(fmt.Sprintf("sender @%s added", username), consumer)
}

// RemoveListener 注销监听账号，先归还凭据再删除记录
func (a *Admin) RemoveListener(ctx context.Context, consumerID string) Result {
	id, err := parseID("listener", consumerID)
	if err != nil {
		return fromError("remove listener", err)
	}
	if err := a.Listeners.Remove(ctx, id.Hex()); err != nil {
		return fromError("remove listener", err)
	}
	if err := a.Consumers.Delete(ctx, id); err != nil {
		return logFailure("remove listener", fromError("remove listener", err))
	}
	return Success("listener removed", nil)
}

// RemoveSender 注销发送 Bot
func (a *Admin) RemoveSender(ctx context.Context, consumerID string) Result {
	id, err := parseID("sender", consumerID)
	if err != nil {
		return fromError("remove sender", err)
	}
	if err := a.Senders.RemoveSender(id.Hex()); err != nil {
		return fromError("remove sender", err)
	}
	if err := a.Consumers.Delete(ctx, id); err != nil {
		return logFailure("remove sender", fromError("remove sender", err))
	}
	return Success("sender removed", nil)
}

// ResumeAccount 人工恢复挂起的账号，监听账号和发送 Bot 都适用
func (a *Admin) ResumeAccount(ctx context.Context, consumerID string) Result {
	id, err := parseID("account", consumerID)
	if err != nil {
		return fromError("resume", err)
	}
	consumer, err := a.Consumers.Get(ctx, id)
	if err != nil {
		return fromError("resume", err)
	}

	switch consumer.Kind {
	case models.ConsumerSender:
		err = a.Senders.ResumeSender(ctx, id.Hex())
	default:
		err = a.Listeners.Resume(ctx, id.Hex())
	}
	if err != nil {
		return fromError("resume", err)
	}
	return Success(fmt.Sprintf("%s %s resumed", consumer.Kind, consumer.Name), nil)
}

// ListAccounts 监听账号与发送 Bot 状态
func (a *Admin) ListAccounts(ctx context.Context) Result {
	report := AccountsReport{
		Listeners:     a.Listeners.Accounts(),
		ListenerStats: a.Listeners.Stats(),
		Senders:       a.Senders.Senders(),
		Dispatcher:    a.Senders.Stats(),
	}
	return Success(fmt.Sprintf("%d listeners, %d senders", len(report.Listeners), len(report.Senders)), report)
}
