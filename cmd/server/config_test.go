package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matst80/cardq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, ":9998", cfg.NotifyAddr)
	assert.Equal(t, store.DefaultDeck, cfg.Deck)
	assert.Equal(t, "memory", cfg.Bus)
	assert.Equal(t, 22, cfg.MaxSessions)
	assert.True(t, cfg.ResetState)
	assert.Equal(t, 10*time.Second, cfg.NotifyTimeout)
	assert.Equal(t, "status_updates", cfg.Topic)
}

func TestLoadConfigFlagsWinOverEnv(t *testing.T) {
	t.Setenv("CARDQ_MAX_SESSIONS", "5")
	t.Setenv("CARDQ_LISTEN", ":7000")
	cfg, err := loadConfig([]string{"-listen", ":8000", "-deck", "a, b,c"})
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.MaxSessions)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Deck)
}

func TestLoadConfigRedisSelectsRedisBus(t *testing.T) {
	t.Setenv("CARDQ_REDIS_ADDR", "localhost:6379")
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Bus)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cardq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deck: [x, y]\nnotify-timeout: 3s\nbus: nats\n"), 0o600))
	cfg, err := loadConfig([]string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, cfg.Deck)
	assert.Equal(t, 3*time.Second, cfg.NotifyTimeout)
	assert.Equal(t, "nats", cfg.Bus)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	for name, args := range map[string][]string{
		"duplicate cards":    {"-deck", "a,a"},
		"empty deck":         {"-deck", " , "},
		"unknown bus":        {"-bus", "kafka"},
		"redis bus no redis": {"-bus", "redis"},
		"zero sessions":      {"-max-sessions", "0"},
		"bad log format":     {"-log-format", "xml"},
		"unknown flag":       {"-nope"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(args)
			assert.Error(t, err)
		})
	}
}
