// Package metrics launches the bundled Telegraf agent that ships the
// Prometheus scrape data to the HEMS backend. Installations without the
// bundled agent skip this entirely.
package metrics

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// StartTelegraf runs telegraf with the given config in the background.
// The process is stopped when ctx is canceled; an exit before that is
// logged but does not bring the controller down.
func StartTelegraf(ctx context.Context, configPath string, logger *logrus.Logger) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("telegraf config not readable: %w", err)
	}

	// --watch-config lets the agent pick up config rewrites (for example
	// after zone discovery) without a restart.
	cmd := exec.CommandContext(ctx, "telegraf", "--config", configPath, "--watch-config", "poll")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting telegraf: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"config": configPath,
		"pid":    cmd.Process.Pid,
	}).Info("Telegraf started")

	go func() {
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("Telegraf exited")
		}
	}()

	return nil
}
