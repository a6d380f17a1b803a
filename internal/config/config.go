package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 应用程序配置
// 进程级参数来自环境变量，转发相关的可调参数来自 YAML 文件（Settings）
type Config struct {
	TelegramToken string        // 管理 Bot Token
	BotOwnerIDs   []int64       // Bot 管理员 ID 列表
	MongoURI      string        // MongoDB 连接 URI
	MongoDBName   string        // MongoDB 数据库名称
	MongoTimeout  time.Duration // MongoDB 操作超时
	MetricsAddr   string        // Prometheus 指标监听地址，空表示不启用
	Debug         bool          // 管理 Bot 调试模式
	ConfigPath    string        // YAML 配置文件路径
	Settings      Settings      // 运行时可热加载的配置
}

// LoadEnvFile 加载 .env 文件，文件不存在时忽略
// 已存在的环境变量不会被覆盖
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load 从环境变量和配置文件加载配置
func Load(configPath string) (*Config, error) {
	mongoDBName := os.Getenv("MONGO_DB_NAME")
	if mongoDBName == "" {
		mongoDBName = "tg_forwarder"
	}

	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDBName:   mongoDBName,
		MongoTimeout:  10 * time.Second,
		MetricsAddr:   strings.TrimSpace(os.Getenv("METRICS_ADDR")),
		ConfigPath:    configPath,
	}

	if debugStr := strings.TrimSpace(os.Getenv("BOT_DEBUG")); debugStr != "" {
		debug, err := strconv.ParseBool(debugStr)
		if err != nil {
			return nil, fmt.Errorf("invalid BOT_DEBUG: %s", debugStr)
		}
		cfg.Debug = debug
	}

	// 解析BOT_OWNER_IDS
	if ownerIDsStr := os.Getenv("BOT_OWNER_IDS"); ownerIDsStr != "" {
		ids, err := parseOwnerIDs(ownerIDsStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse BOT_OWNER_IDS: %w", err)
		}
		cfg.BotOwnerIDs = ids
	}

	if timeoutStr := strings.TrimSpace(os.Getenv("MONGO_TIMEOUT_SECONDS")); timeoutStr != "" {
		seconds, err := strconv.Atoi(timeoutStr)
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("invalid MONGO_TIMEOUT_SECONDS: %s", timeoutStr)
		}
		cfg.MongoTimeout = time.Duration(seconds) * time.Second
	}

	settings, err := LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Settings = *settings

	return cfg, nil
}

// LoadSettings 读取 YAML 配置文件并叠加环境变量覆盖
// 文件为空路径或不存在时使用默认值
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeYAML(data, &s); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// 使用默认配置
		default:
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// applyEnvOverrides 环境变量优先于配置文件
func applyEnvOverrides(s *Settings) error {
	intVars := []struct {
		name string
		dst  *int
	}{
		{"MIN_INTERVAL", &s.Global.MinInterval},
		{"MAX_INTERVAL", &s.Global.MaxInterval},
		{"HOURLY_LIMIT", &s.Global.HourlyLimit},
		{"LOG_RETENTION_DAYS", &s.Security.LogRetentionDays},
	}
	for _, v := range intVars {
		raw := strings.TrimSpace(os.Getenv(v.name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", v.name, err)
		}
		*v.dst = n
	}

	if strategy := strings.TrimSpace(os.Getenv("ROTATION_STRATEGY")); strategy != "" {
		s.Rotation.Strategy = strings.ToLower(strategy)
	}
	return nil
}

// parseOwnerIDs 解析逗号分隔的用户ID字符串
// 支持格式: "123456789" 或 "123456789,987654321"
func parseOwnerIDs(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid owner ID %q: %w", part, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}
