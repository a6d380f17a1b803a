package service

import (
	"errors"
	"fmt"

	"tg_forwarder/internal/forwarder/dispatch"
	"tg_forwarder/internal/forwarder/filter"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/pool"
	"tg_forwarder/internal/forwarder/repository"
	"tg_forwarder/internal/forwarder/rotation"
	"tg_forwarder/internal/forwarder/schedule"
)

// Status 操作结果
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Code 失败原因
type Code string

const (
	CodeOK              Code = "ok"
	CodeInvalidArgument Code = "invalid_argument"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeUnavailable     Code = "unavailable"
	CodeInternal        Code = "internal"
	CodeForbidden       Code = "forbidden"
	CodeRateLimited     Code = "rate_limited"
)

// errInvalidArgument 参数校验失败
var errInvalidArgument = errors.New("invalid argument")

// Result 管理操作的统一返回
type Result struct {
	Status  Status `json:"status"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// OK 是否成功
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Success 成功结果
func Success(message string, data any) Result {
	return Result{Status: StatusOK, Code: CodeOK, Message: message, Data: data}
}

// Failure 失败结果
func Failure(code Code, format string, args ...any) Result {
	return Result{Status: StatusError, Code: code, Message: fmt.Sprintf(format, args...)}
}

// fromError 按错误类型映射失败原因
func fromError(action string, err error) Result {
	return Failure(codeOf(err), "%s: %v", action, err)
}

func codeOf(err error) Code {
	switch {
	case errors.Is(err, errInvalidArgument),
		errors.Is(err, models.ErrInvalidCredential),
		errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, filter.ErrInvalidRule):
		return CodeInvalidArgument
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, pool.ErrUnknownCredential),
		errors.Is(err, rotation.ErrUnknownAccount),
		errors.Is(err, dispatch.ErrUnknownSender):
		return CodeNotFound
	case errors.Is(err, repository.ErrDuplicate),
		errors.Is(err, pool.ErrDuplicateCredential),
		errors.Is(err, pool.ErrCredentialInUse):
		return CodeConflict
	case errors.Is(err, pool.ErrNotAvailable),
		errors.Is(err, rotation.ErrNoListener),
		errors.Is(err, dispatch.ErrNoSender):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
