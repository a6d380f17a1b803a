package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tg_forwarder/internal/logger"
)

// Control 控制消息，重载与关闭共用一个通道
type Control int

const (
	ControlReload Control = iota
	ControlShutdown
)

func (c Control) String() string {
	switch c {
	case ControlReload:
		return "reload"
	case ControlShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Post 投递控制消息，通道已满时丢弃重复的重载请求
func (e *Engine) Post(msg Control) {
	if msg == ControlShutdown {
		e.control <- msg
		return
	}
	select {
	case e.control <- msg:
	default:
		logger.L().Debugf("Control channel busy, dropping %s", msg)
	}
}

// forwardSignals 把 SIGINT/SIGTERM 转为关闭消息
func (e *Engine) forwardSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.L().Infof("Received signal %s, shutting down...", sig)
		e.Post(ControlShutdown)
	case <-ctx.Done():
	}
	return nil
}

// controlLoop 处理控制消息；收到关闭消息时返回 errShutdown 结束整个运行组
func (e *Engine) controlLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-e.control:
			switch msg {
			case ControlReload:
				e.reload()
			case ControlShutdown:
				return errShutdown
			}
		}
	}
}

func (e *Engine) reload() {
	if e.cfg.ConfigPath == "" {
		return
	}
	next, err := e.settings.Reload(e.cfg.ConfigPath)
	if err != nil {
		logger.L().Errorf("Config reload failed, keeping previous settings: %v", err)
		return
	}
	logger.L().Infof("Config reloaded: strategy=%s hourly_limit=%d settle_window=%ds",
		next.Rotation.Strategy, next.Global.HourlyLimit, next.Ingest.SettleWindow)
}
