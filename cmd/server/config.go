package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/matst80/cardq/internal/pubsub"
	"github.com/matst80/cardq/internal/registry"
	"github.com/matst80/cardq/internal/store"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration. Flags win; anything not given on the
// command line falls back to CARDQ_* environment variables, then the config file.
type Config struct {
	ListenAddr      string        `validate:"required"`
	NotifyAddr      string        `validate:"required"`
	NotifyAdvertise string        // address handed to clients for the dedicated socket; derived when empty
	MetricsAddr     string        // empty disables the ops server
	RedisAddr       string        // empty selects the in-memory store
	RedisPassword   string        `json:"-"`
	RedisDB         int           `validate:"gte=0"`
	KeyPrefix       string
	Bus             string        `validate:"omitempty,oneof=memory redis nats"`
	NATSURL         string        `validate:"required_if=Bus nats"`
	Topic           string        `validate:"required"`
	Deck            []string      `validate:"min=1,unique,dive,required"`
	ResetState      bool
	MaxSessions     int           `validate:"gte=1"`
	NotifyTimeout   time.Duration `validate:"gt=0"`
	DeliverInterval time.Duration `validate:"gt=0"`
	SweepTimeout    time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ConnRate        float64       `validate:"gte=0"`
	CommandRate     float64       `validate:"gte=0"`
	RateBurst       int           `validate:"gte=1"`
	Debug           bool
	LogFormat       string `validate:"oneof=json text"`
	ConfigFile      string
}

// loadConfig parses args, applies env / file fallbacks and validates the result.
func loadConfig(args []string) (Config, error) {
	var cfg Config
	var deck string
	fs := flag.NewFlagSet("cardq-server", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", ":9999", "address for primary command connections")
	fs.StringVar(&cfg.NotifyAddr, "notify-listen", ":9998", "address for dedicated notification connections")
	fs.StringVar(&cfg.NotifyAdvertise, "notify-advertise", "", "notification address announced to clients (default: host of the command connection + notify port)")
	fs.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address; empty keeps state in memory")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&cfg.KeyPrefix, "key-prefix", "", "prefix for every state key")
	fs.StringVar(&cfg.Bus, "bus", "", "change event bus: memory, redis or nats (default follows the store)")
	fs.StringVar(&cfg.NATSURL, "nats-url", "nats://127.0.0.1:4222", "NATS server URI when -bus=nats")
	fs.StringVar(&cfg.Topic, "topic", pubsub.DefaultTopic, "change event topic")
	fs.StringVar(&deck, "deck", strings.Join(store.DefaultDeck, ","), "comma separated initial deck")
	fs.BoolVar(&cfg.ResetState, "reset-state", true, "overwrite shared state with a fresh deck on start")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", registry.DefaultMaxSessions, "maximum concurrently registered names")
	fs.DurationVar(&cfg.NotifyTimeout, "notify-timeout", 10*time.Second, "time a registered client has to open its notification connection")
	fs.DurationVar(&cfg.DeliverInterval, "deliver-interval", 2*time.Second, "notification sweep and delivery period")
	fs.DurationVar(&cfg.SweepTimeout, "sweep-timeout", 50*time.Millisecond, "readiness check timeout per notification socket")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", 5*time.Second, "write deadline on notification sockets")
	fs.Float64Var(&cfg.ConnRate, "conn-rate", 0, "new connections per second per remote host (0 = unlimited)")
	fs.Float64Var(&cfg.CommandRate, "command-rate", 0, "commands per second per session (0 = unlimited)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", 5, "burst size for rate limits")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	fs.StringVar(&cfg.LogFormat, "log-format", "json", "log encoding: json or text")
	fs.StringVar(&cfg.ConfigFile, "config", "", "optional config file (yaml, json or toml)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("CARDQ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if cfg.ConfigFile != "" {
		v.SetConfigFile(cfg.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", cfg.ConfigFile, err)
		}
	}
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	var setErr error
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] || f.Name == "config" || !v.IsSet(f.Name) || setErr != nil {
			return
		}
		val := v.GetString(f.Name)
		if f.Name == "deck" {
			val = strings.Join(v.GetStringSlice(f.Name), ",")
		}
		if err := fs.Set(f.Name, val); err != nil {
			setErr = fmt.Errorf("config value for %s: %w", f.Name, err)
		}
	})
	if setErr != nil {
		return Config{}, setErr
	}

	for _, c := range strings.Split(deck, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cfg.Deck = append(cfg.Deck, c)
		}
	}
	if cfg.Bus == "" {
		cfg.Bus = "memory"
		if cfg.RedisAddr != "" {
			cfg.Bus = "redis"
		}
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Bus == "redis" && cfg.RedisAddr == "" {
		return Config{}, fmt.Errorf("invalid config: -bus=redis needs -redis-addr")
	}
	return cfg, nil
}
