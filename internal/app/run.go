package app

import (
	"context"
	"errors"
	"fmt"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/logger"

	"golang.org/x/sync/errgroup"
)

var errShutdown = errors.New("shutdown requested")

// Run 启动全部组件并阻塞，直到 ctx 取消、收到关闭信号或某个组件失败
// extra 为额外的阻塞服务（如管理 Bot），随运行组一起退出
func (e *Engine) Run(ctx context.Context, extra ...func(context.Context) error) error {
	if err := e.Restore(ctx); err != nil {
		return err
	}

	// 发送队列不随运行组取消，flush 策略下关闭时仍可接收最后的批次
	e.Dispatcher.Start(context.WithoutCancel(ctx))
	e.Ingestor.Start(ctx)
	e.Listeners.ActivateAll(ctx)
	e.Resync(ctx)
	e.Scheduler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Listeners.Run(gctx) })
	g.Go(func() error { return e.forwardSignals(gctx) })
	g.Go(func() error { return e.controlLoop(gctx) })
	if e.cfg.ConfigPath != "" {
		watcher := config.NewWatcher([]string{e.cfg.ConfigPath}, config.DefaultWatchDebounce, func(string) {
			e.Post(ControlReload)
		})
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if e.cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, e.cfg.MetricsAddr) })
	}
	for _, fn := range extra {
		if fn == nil {
			continue
		}
		g.Go(func() error {
			if err := fn(gctx); err != nil {
				return err
			}
			// 服务正常退出时等待其他组件
			<-gctx.Done()
			return nil
		})
	}

	logger.L().Info("Forwarding engine is running")
	err := g.Wait()
	e.Close()

	if err == nil || errors.Is(err, errShutdown) || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("forwarding engine stopped: %w", err)
}
