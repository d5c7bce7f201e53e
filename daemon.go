package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"netcli-daemon/internal/config"
	"netcli-daemon/internal/logging"
	"netcli-daemon/internal/persist"
)

// runDaemon is the daemon process. Called by `netcli run`, which only
// persist.ExecLauncher starts: the start lock arrives on fd 3 and the
// resolved config on a pipe at fd 4.
func runDaemon(ctx context.Context) error {
	lockFile := os.NewFile(persist.LockFd, "lock")
	payload := os.NewFile(persist.PayloadFd, "config")
	if _, err := lockFile.Stat(); err != nil {
		return errors.New("run is started by the other commands, not directly")
	}
	lock := persist.InheritLock(lockFile)

	data, err := io.ReadAll(payload)
	payload.Close()
	if err != nil {
		lock.Release()
		return fmt.Errorf("reading config: %w", err)
	}
	cfg, err := config.Decode(data)
	if err != nil {
		lock.Release()
		return err
	}

	log, closeLog, err := daemonLogger(cfg)
	if err != nil {
		lock.Release()
		return err
	}
	defer closeLog()

	sc, err := cfg.SessionConfig(lock, log)
	if err != nil {
		lock.Release()
		log.Error().Err(err).Msg("invalid daemon config")
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Info().Int("pid", os.Getpid()).Str("identity", sc.Identity.String()).Msg("daemon starting")
	s := persist.NewSession(sc)
	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.Run(ctx); err != nil {
		log.Error().Err(err).Msg("daemon stopped")
		return err
	}
	log.Info().Msg("daemon stopped")
	return nil
}

// daemonLogger writes to the control directory's log file. The daemon
// defaults to info since nobody watches its output live.
func daemonLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	levelName := cfg.LogLevel
	if levelName == "" {
		levelName = "info"
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	f, err := logging.OpenFile(cfg.ControlDir)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("opening log file: %w", err)
	}
	log := logging.New(logging.Config{Level: level, Output: f})
	return log, func() { f.Close() }, nil
}
