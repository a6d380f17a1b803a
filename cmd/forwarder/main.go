package main

import (
	"context"
	"fmt"
	"os"

	"tg_forwarder/internal/app"
	"tg_forwarder/internal/config"
	"tg_forwarder/internal/logger"

	"github.com/urfave/cli/v2"
)

func main() {
	cliApp := &cli.App{
		Name:  "tg-forwarder",
		Usage: "Telegram 频道转发引擎",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML 配置文件路径",
				Value:   "config.yaml",
				EnvVars: []string{"CONFIG_PATH"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: ".env 文件路径，不存在时忽略",
				Value: ".env",
			},
		},
		Before: func(cctx *cli.Context) error {
			if err := config.LoadEnvFile(cctx.String("env-file")); err != nil {
				return err
			}
			logger.Init()
			return nil
		},
		Action: runForwarder,
		Commands: []*cli.Command{
			{
				Name:   "check-config",
				Usage:  "校验配置文件并输出生效值",
				Action: runCheckConfig,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logger.L().Fatalf("Application failed: %v", err)
	}
}

func runForwarder(cctx *cli.Context) error {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return fmt.Errorf("配置加载失败: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("应用初始化失败: %w", err)
	}
	defer func() {
		if err := application.Close(context.Background()); err != nil {
			logger.L().Errorf("Application close failed: %v", err)
		}
	}()

	logger.L().Infof("Starting tg-forwarder (config=%s)", cfg.ConfigPath)
	return application.Run(cctx.Context)
}

func runCheckConfig(cctx *cli.Context) error {
	settings, err := config.LoadSettings(cctx.String("config"))
	if err != nil {
		return err
	}
	fmt.Printf("global:   interval=%d-%ds hourly_limit=%d send_timeout=%ds\n",
		settings.Global.MinInterval, settings.Global.MaxInterval, settings.Global.HourlyLimit, settings.Global.SendTimeout)
	fmt.Printf("rotation: strategy=%s time_per_rotation=%dm min_dwell=%dm probability=%.2f error_threshold=%d\n",
		settings.Rotation.Strategy, settings.Rotation.TimePerRotation, settings.Rotation.MinDwell,
		settings.Rotation.Probability, settings.Rotation.ErrorThreshold)
	fmt.Printf("ingest:   settle_window=%ds workers=%d queue=%d shutdown=%s\n",
		settings.Ingest.SettleWindow, settings.Ingest.Workers, settings.Ingest.QueueSize, settings.Ingest.ShutdownPolicy)
	fmt.Printf("dispatch: workers=%d queue=%d\n", settings.Dispatch.Workers, settings.Dispatch.QueueSize)
	fmt.Printf("security: log_retention_days=%d\n", settings.Security.LogRetentionDays)
	return nil
}
