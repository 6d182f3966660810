package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/cardq/internal/obs"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	obs.Setup(cfg.LogFormat, os.Stdout)
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "notify": cfg.NotifyAddr, "metrics": cfg.MetricsAddr, "bus": cfg.Bus, "deck": len(cfg.Deck)})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, bus, err := newBackends(ctx, &cfg)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			obs.Error("bus.close", obs.Fields{"err": err.Error()})
		}
		if err := st.Close(); err != nil {
			obs.Error("state.close", obs.Fields{"err": err.Error()})
		}
	}()

	cmdLn, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		obs.Error("listen.command", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		os.Exit(1)
	}
	notifyLn, err := net.Listen("tcp", cfg.NotifyAddr)
	if err != nil {
		_ = cmdLn.Close()
		obs.Error("listen.notify", obs.Fields{"err": err.Error(), "addr": cfg.NotifyAddr})
		os.Exit(1)
	}

	srv := newServer(&cfg, st, bus)
	if cfg.MetricsAddr != "" {
		go srv.runOpsServer(ctx, cfg.MetricsAddr)
	}
	if err := srv.serve(ctx, cmdLn, notifyLn); err != nil {
		obs.Error("server.serve", obs.Fields{"err": err.Error()})
	}
}
