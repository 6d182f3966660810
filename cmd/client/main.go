package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/cardq/internal/obs"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "cardq",
		Usage: "card queue terminal client",
		Flags: flags(),
		Before: func(c *cli.Context) error {
			obs.Setup(cfg.LogFormat, os.Stderr)
			obs.EnableDebug(cfg.Debug)
			return nil
		},
		Action: runCommand,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "register, follow notifications and read commands from stdin",
				Action: runCommand,
			},
			{
				Name:   "see-all",
				Usage:  "print registered names and the holder queue, then exit",
				Action: seeAllCommand,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func runCommand(c *cli.Context) error {
	if err := cfg.finish(c.IsSet("server"), true); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	obs.Info("client.start", obs.Fields{"server": cfg.ServerAddr, "name": cfg.Name})
	return runSession(ctx, &cfg, os.Stdin, os.Stdout)
}

func seeAllCommand(c *cli.Context) error {
	if err := cfg.finish(c.IsSet("server"), false); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, cfg.DialTimeout*2)
	defer cancel()
	return seeAll(ctx, &cfg, os.Stdout)
}
