package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	t.Setenv("EPHEMAIL_MAIL_DOMAIN", "example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 4444, cfg.Server.Port)
	assert.Equal(t, ":25", cfg.SMTP.BindAddr)
	assert.Equal(t, int64(10*1024*1024), cfg.SMTP.MaxMessageSize)
	assert.Equal(t, "example.com", cfg.Mail.Domain)
	assert.Equal(t, 24*time.Hour, cfg.Mail.Retention)
	assert.Equal(t, 50, cfg.Mail.MaxPerAddress)
	assert.Equal(t, 24*time.Hour, cfg.Session.Duration)
	assert.Equal(t, time.Hour, cfg.Cleanup.MessageInterval)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.Empty(t, cfg.Database.Type)
}

func TestLoad_EnvOverrides(t *testing.T) {
	viper.Reset()
	t.Setenv("EPHEMAIL_MAIL_DOMAIN", "Drop.Example.COM")
	t.Setenv("EPHEMAIL_MAIL_RETENTION", "48h")
	t.Setenv("EPHEMAIL_MAIL_MAX_PER_ADDRESS", "10")
	t.Setenv("EPHEMAIL_SMTP_BIND_ADDR", ":2525")
	t.Setenv("EPHEMAIL_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	// 域名统一转小写
	assert.Equal(t, "drop.example.com", cfg.Mail.Domain)
	assert.Equal(t, 48*time.Hour, cfg.Mail.Retention)
	assert.Equal(t, 10, cfg.Mail.MaxPerAddress)
	assert.Equal(t, ":2525", cfg.SMTP.BindAddr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_InvalidRetention(t *testing.T) {
	viper.Reset()
	t.Setenv("EPHEMAIL_MAIL_DOMAIN", "example.com")
	t.Setenv("EPHEMAIL_MAIL_RETENTION", "not-a-duration")

	_, err := Load()
	assert.Error(t, err)
}
