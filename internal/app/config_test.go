package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/dealerpulse/internal/auth"
	"github.com/charlesng35/dealerpulse/internal/cache"
)

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join("testdata")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.True(t, cfg.Database.Postgres.Enabled)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)
	require.Equal(t, 5433, cfg.Database.Postgres.Port)

	require.True(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, "cache.example.com:6380", cfg.Cache.Redis.Address)
	require.Equal(t, 2, cfg.Cache.Redis.DB)
	require.True(t, cfg.Cache.Redis.TLS)
	require.Equal(t, 3*time.Second, cfg.Cache.Redis.Timeout)

	require.Equal(t, "/internal/metrics", cfg.Monitoring.Prometheus.Endpoint)
	require.True(t, cfg.Monitoring.Health.Enabled)

	require.Equal(t, "jwt-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, "dealerpulse-test", cfg.Auth.JWT.Issuer)
	require.Equal(t, 30*time.Minute, cfg.Auth.JWT.TTL)

	require.True(t, cfg.Email.SMTP.Enabled)
	require.Equal(t, "smtp.example.com", cfg.Email.SMTP.Host)
	require.Equal(t, 2525, cfg.Email.SMTP.Port)
	require.Equal(t, "no-reply@example.com", cfg.Email.SMTP.From)
	require.Equal(t, 15*time.Second, cfg.Email.SMTP.Timeout)

	require.Equal(t, 2*time.Second, cfg.Engine.PollInterval)
	require.Equal(t, 20*time.Second, cfg.Engine.DispatchTimeout)
	require.Equal(t, 25, cfg.Engine.BatchSize)
	require.Equal(t, 4, cfg.Engine.Concurrency)
	require.Equal(t, 5, cfg.Engine.MaxAttempts)

	require.Equal(t, "@every 1m", cfg.Retry.Schedule)
	require.Equal(t, "@every 2m", cfg.Retry.SweepSchedule)
	require.Equal(t, 5*time.Minute, cfg.Retry.StuckLease)
	require.Equal(t, []string{"30m", "2h", "8h"}, cfg.Retry.Backoff)

	require.True(t, cfg.Channels.Push.Enabled)
	require.Equal(t, "https://push.example.com/v1/send", cfg.Channels.Push.Endpoint)
	require.Equal(t, "push-key", cfg.Channels.Push.APIKey)
	require.Equal(t, 5*time.Second, cfg.Channels.Push.Timeout)
	require.False(t, cfg.Channels.Chat.Enabled)

	require.Equal(t, "whsec_sms", cfg.Webhooks.Secrets["sms"])
	require.Equal(t, "whsec_email", cfg.Webhooks.Secrets["email"])
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.False(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, 5*time.Second, cfg.Engine.PollInterval)
	require.Equal(t, 30*time.Second, cfg.Engine.DispatchTimeout)
	require.Equal(t, 50, cfg.Engine.BatchSize)
	require.Equal(t, 3, cfg.Engine.MaxAttempts)
	require.Equal(t, "@every 5m", cfg.Retry.Schedule)
	require.Equal(t, 10*time.Minute, cfg.Retry.StuckLease)
	require.Equal(t, []string{"1h", "4h", "12h"}, cfg.Retry.Backoff)
	require.Equal(t, 15*time.Minute, cfg.Auth.JWT.TTL)
}

func TestBackoffDurations(t *testing.T) {
	cfg := RetryConfig{Backoff: []string{"1h", " 4h", "12h"}}
	steps, err := cfg.BackoffDurations()
	require.NoError(t, err)
	require.Equal(t, []time.Duration{time.Hour, 4 * time.Hour, 12 * time.Hour}, steps)

	cfg.Backoff = []string{"soon"}
	_, err = cfg.BackoffDurations()
	require.Error(t, err)
}

func TestAuthConfigAdapters(t *testing.T) {
	cfg := Config{
		Auth: AuthConfig{
			JWT: JWTSettings{
				Secret: "secret",
				Issuer: "issuer",
				TTL:    30 * time.Minute,
			},
		},
	}

	jwtCfg := cfg.Auth.JWTServiceConfig()
	require.Equal(t, auth.JWTConfig{
		Secret:         "secret",
		Issuer:         "issuer",
		AccessTokenTTL: 30 * time.Minute,
	}, jwtCfg)
}

func TestAuthConfigAdaptersFallback(t *testing.T) {
	var cfg AuthConfig

	jwtCfg := cfg.JWTServiceConfig()
	require.Equal(t, auth.DefaultAccessTokenTTL, jwtCfg.AccessTokenTTL)
}

func TestRedisClientConfigTrimsFields(t *testing.T) {
	cfg := CacheConfig{
		Redis: RedisCacheConfig{
			Address:  " cache.example.com:6379 ",
			Username: " pulse ",
			Password: "secret",
			DB:       1,
			TLS:      true,
			Timeout:  2 * time.Second,
		},
	}

	require.Equal(t, cache.RedisConfig{
		Address:  "cache.example.com:6379",
		Username: "pulse",
		Password: "secret",
		DB:       1,
		TLS:      true,
		Timeout:  2 * time.Second,
	}, cfg.RedisClientConfig())
}
