package models

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CredentialStatus API 凭据状态
type CredentialStatus string

const (
	CredentialActive   CredentialStatus = "active"
	CredentialDisabled CredentialStatus = "disabled"
)

// ErrInvalidCredential 凭据格式不合法（配置类错误）
var ErrInvalidCredential = errors.New("invalid credential")

// Credential 上游 API 凭据，一个凭据最多绑定 Capacity 个监听账号
type Credential struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Name      string             `bson:"name"`
	AppID     string             `bson:"app_id"`   // 纯数字
	AppHash   string             `bson:"app_hash"` // 32 位
	Capacity  int                `bson:"capacity"`
	Used      int                `bson:"used"` // 仅由池管理器修改
	Status    CredentialStatus   `bson:"status"`
	CreatedAt time.Time          `bson:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

// Key 池内使用的标识
func (c *Credential) Key() string {
	return c.ID.Hex()
}

// Available 剩余容量
func (c *Credential) Available() int {
	if c.Used >= c.Capacity {
		return 0
	}
	return c.Capacity - c.Used
}

// ValidateCredential 校验 app_id / app_hash 格式
func ValidateCredential(appID, appHash string, capacity int) error {
	appID = strings.TrimSpace(appID)
	appHash = strings.TrimSpace(appHash)
	if appID == "" {
		return errors.Join(ErrInvalidCredential, errors.New("app_id is empty"))
	}
	for _, r := range appID {
		if !unicode.IsDigit(r) {
			return errors.Join(ErrInvalidCredential, errors.New("app_id must be numeric"))
		}
	}
	if len(appHash) != 32 {
		return errors.Join(ErrInvalidCredential, errors.New("app_hash must be 32 characters"))
	}
	if capacity < 1 {
		return errors.Join(ErrInvalidCredential, errors.New("capacity must be >= 1"))
	}
	return nil
}
