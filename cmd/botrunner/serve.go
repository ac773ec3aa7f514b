package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/botrunner"
)

func runServe(global *GlobalFlags, flags *ServeFlags, args []string) error {
	path := global.ConfigPath
	if len(args) > 0 {
		path = args[0]
	}
	cfg, err := botrunner.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	cfg.KeepPath(flags.PidFile)
	cfg.KeepPath(flags.LogFile)
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	log, closer, err := botrunner.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	srv, err := botrunner.New(cfg, log)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
