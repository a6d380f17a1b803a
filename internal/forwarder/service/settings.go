package service

import (
	"context"

	"tg_forwarder/internal/logger"
)

// GetConfig 当前生效的运行参数
func (a *Admin) GetConfig(context.Context) Result {
	if a.Settings == nil {
		return Failure(CodeUnavailable, "settings are not loaded")
	}
	return Success("effective settings", a.Settings.Current())
}

// ReloadConfig 请求重新读取配置文件，读取和校验在引擎的控制循环中进行
func (a *Admin) ReloadConfig(context.Context) Result {
	if a.OnReload == nil {
		return Failure(CodeUnavailable, "config reload is not available")
	}
	a.OnReload()
	logger.L().Info("Config reload requested by admin")
	return Success("config reload requested", nil)
}
