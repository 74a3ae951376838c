package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数。
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 4444
}

// SMTPConfig 定义 SMTP 邮件接收服务器的配置。
type SMTPConfig struct {
	BindAddr       string // SMTP 服务监听地址，格式 "host:port"，默认 ":25"
	MaxMessageSize int64  // 单封邮件最大字节数，默认 10MB
	MaxRecipients  int    // 单次投递最大收件人数，默认 50
	MaxConnections int    // 最大并发连接数，默认 100
	MaxConnRate    int    // 每秒最大新建连接数，默认 20
}

// MailConfig 定义邮箱业务的核心配置。
type MailConfig struct {
	Domain        string        // 服务域名，仅接收发往该域名的邮件
	Retention     time.Duration // 邮件保留时长，过期后被清理任务删除
	MaxPerAddress int           // 单地址最大邮件数，达到后拒收新投递
}

// SessionConfig 定义匿名会话配置。
type SessionConfig struct {
	Duration time.Duration // 会话有效期，默认 24h
}

// CleanupConfig 定义后台清理任务的执行间隔。
type CleanupConfig struct {
	MessageInterval time.Duration // 过期邮件清理间隔，默认 1h
	SessionInterval time.Duration // 过期会话清理间隔，默认 1h
}

// CORSConfig 定义跨域资源共享 (CORS) 配置。
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置。
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）。
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 会话缓存配置。
type RedisConfig struct {
	Address  string // Redis 服务地址，留空禁用缓存
	Password string // Redis 认证密码
	DB       int    // Redis 数据库编号
}

// AdminConfig 定义管理端访问配置。
type AdminConfig struct {
	APIKeyHash string // 管理 API key 的 bcrypt 哈希，留空禁用管理端
}

// Config 是系统核心配置的根结构体。
type Config struct {
	Server   ServerConfig
	SMTP     SMTPConfig
	Mail     MailConfig
	Session  SessionConfig
	Cleanup  CleanupConfig
	CORS     CORSConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Admin    AdminConfig
}

// Load 从环境变量和 .env 文件加载系统配置。
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: EPHEMAIL_
// 例如: EPHEMAIL_MAIL_DOMAIN, EPHEMAIL_SMTP_BIND_ADDR
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("ephemail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 4444)
	viper.SetDefault("smtp.bind_addr", ":25")
	viper.SetDefault("smtp.max_message_size", 10*1024*1024)
	viper.SetDefault("smtp.max_recipients", 50)
	viper.SetDefault("smtp.max_connections", 100)
	viper.SetDefault("smtp.max_conn_rate", 20)
	viper.SetDefault("mail.domain", "localhost")
	viper.SetDefault("mail.retention", "24h")
	viper.SetDefault("mail.max_per_address", 50)
	viper.SetDefault("session.duration", "24h")
	viper.SetDefault("cleanup.message_interval", "1h")
	viper.SetDefault("cleanup.session_interval", "1h")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("admin.api_key_hash", "")

	domain := strings.ToLower(strings.TrimSpace(viper.GetString("mail.domain")))
	if domain == "" {
		return nil, fmt.Errorf("mail.domain must not be empty")
	}

	retention, err := time.ParseDuration(viper.GetString("mail.retention"))
	if err != nil {
		return nil, fmt.Errorf("invalid mail.retention: %w", err)
	}
	if retention <= 0 {
		return nil, fmt.Errorf("mail.retention must be positive")
	}

	sessionDuration, err := time.ParseDuration(viper.GetString("session.duration"))
	if err != nil {
		return nil, fmt.Errorf("invalid session.duration: %w", err)
	}

	messageInterval, err := time.ParseDuration(viper.GetString("cleanup.message_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup.message_interval: %w", err)
	}
	sessionInterval, err := time.ParseDuration(viper.GetString("cleanup.session_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup.session_interval: %w", err)
	}

	maxPerAddress := viper.GetInt("mail.max_per_address")
	if maxPerAddress <= 0 {
		maxPerAddress = 50
	}

	maxMessageSize := viper.GetInt64("smtp.max_message_size")
	if maxMessageSize <= 0 {
		maxMessageSize = 10 * 1024 * 1024
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		SMTP: SMTPConfig{
			BindAddr:       viper.GetString("smtp.bind_addr"),
			MaxMessageSize: maxMessageSize,
			MaxRecipients:  viper.GetInt("smtp.max_recipients"),
			MaxConnections: viper.GetInt("smtp.max_connections"),
			MaxConnRate:    viper.GetInt("smtp.max_conn_rate"),
		},
		Mail: MailConfig{
			Domain:        domain,
			Retention:     retention,
			MaxPerAddress: maxPerAddress,
		},
		Session: SessionConfig{
			Duration: sessionDuration,
		},
		Cleanup: CleanupConfig{
			MessageInterval: messageInterval,
			SessionInterval: sessionInterval,
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Admin: AdminConfig{
			APIKeyHash: viper.GetString("admin.api_key_hash"),
		},
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片。
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件。
//
// 文件不存在时静默失败（.env 是可选的），已存在的环境变量优先。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
