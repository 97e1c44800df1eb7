package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	httpapi "sdnlab/internal/api/http"
	"sdnlab/internal/api/http/websocket"
	"sdnlab/internal/audit"
	"sdnlab/internal/console"
	"sdnlab/internal/core/flow"
	"sdnlab/internal/core/probe"
	"sdnlab/internal/env"
	"sdnlab/internal/gwlog"
	"sdnlab/internal/utils"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run returns instead of exiting so the deferred teardown of the lab
// always runs.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// == config ==
	fs := utils.NewFilesystemExecutor()
	cfg, err := env.LoadConfig(fs, env.ConfigPath(os.Args[1:]))
	if err != nil {
		return err
	}

	// == bootstrap ==
	bootstrap := env.NewBootstrapManager(cfg)
	net, err := bootstrap.Setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := net.Stop(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[*] stop network: %v", err)
		}
	}()

	// == audit ==
	auditLog, closer, err := audit.OpenFileLogger(fs, cfg.AuditLog)
	if err != nil {
		log.Printf("[*] audit log disabled: %v", err)
	} else {
		defer closer.Close()
	}
	var logger audit.Logger = audit.Discard
	if auditLog != nil {
		logger = auditLog
	}

	// == gateway log watcher ==
	var logs websocket.LogSource
	if _, err := fs.Stat(cfg.KernelLog); err == nil {
		watcher := gwlog.NewWatcher(cfg.KernelLog)
		watcher.Resolver = gwlog.NewResolver(net)
		logs = watcher
		go func() {
			log.Printf("[*] watching %s", cfg.KernelLog)
			if err := watcher.Watch(ctx); err != nil {
				log.Printf("[*] log watcher stopped: %v", err)
			}
		}()
	} else {
		log.Printf("[*] %s not readable, gateway log stream disabled", cfg.KernelLog)
	}

	// == commands ==
	registry, err := console.NewDefaultRegistry(console.Deps{
		Network:   net,
		Flows:     flow.NewFlowService(),
		Gateways:  bootstrap.Gateways(),
		Probes:    probe.NewProbeService(),
		Gateway:   cfg.Gateway,
		KernelLog: cfg.KernelLog,
	})
	if err != nil {
		return err
	}

	// == rest api ==
	if cfg.Api.Listen != "" {
		router := httpapi.NewApiRouter(httpapi.RouterOptions{
			Network:  net,
			Registry: registry,
			Logs:     logs,
			Audit:    logger,
		})
		go func() {
			if err := httpapi.Serve(ctx, cfg.Api.Listen, router); err != nil {
				log.Printf("[*] management server: %v", err)
			}
		}()
	}

	// == console ==
	c := console.NewConsole(console.Options{
		Registry: registry,
		Prompter: console.NewLinePrompter(os.Stdin, os.Stdout),
		Out:      os.Stdout,
		Audit:    logger,
		Node:     net.Id(),
	})
	if err := c.Run(ctx); err != nil {
		log.Printf("[*] console: %v", err)
	}
	return nil
}
