package main

import (
	"net"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// Config holds client runtime configuration.
type Config struct {
	ServerAddr  string `validate:"required,hostname_port"`
	Host        string // convenience host to derive the server address if -server is not given
	Name        string `validate:"required,max=32"`
	NotifyAddr  string `validate:"omitempty,hostname_port"` // overrides the address announced by the server
	DialTimeout time.Duration
	Debug       bool
	LogFormat   string `validate:"oneof=json text"`
}

var cfg Config

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "server",
			Usage:       "server command address",
			Aliases:     []string{"s"},
			EnvVars:     []string{"CARDQ_SERVER"},
			Value:       "127.0.0.1:9999",
			Destination: &cfg.ServerAddr,
		},
		&cli.StringFlag{
			Name:        "host",
			Usage:       "base host; if set and --server is not given, the server is host:9999",
			EnvVars:     []string{"CARDQ_HOST"},
			Destination: &cfg.Host,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "nickname to register",
			Aliases:     []string{"n"},
			EnvVars:     []string{"CARDQ_NAME"},
			Destination: &cfg.Name,
		},
		&cli.StringFlag{
			Name:        "notify",
			Usage:       "notification address; defaults to the one the server announces",
			EnvVars:     []string{"CARDQ_NOTIFY"},
			Destination: &cfg.NotifyAddr,
		},
		&cli.DurationFlag{
			Name:        "dial-timeout",
			Usage:       "connect timeout",
			Value:       5 * time.Second,
			DefaultText: "5s",
			Destination: &cfg.DialTimeout,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logs",
			EnvVars:     []string{"CARDQ_DEBUG"},
			Destination: &cfg.Debug,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log encoding: json or text",
			Value:       "text",
			DefaultText: "text",
			Destination: &cfg.LogFormat,
		},
	}
}

// finish applies derived defaults and validates. seeAll needs no name.
func (c *Config) finish(serverSet, needName bool) error {
	if c.Host != "" && !serverSet {
		c.ServerAddr = net.JoinHostPort(c.Host, "9999")
	}
	v := validator.New()
	if !needName {
		return v.StructExcept(c, "Name")
	}
	return v.Struct(c)
}
