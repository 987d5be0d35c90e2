package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modeshift/internal/app"
)

type RunCmd struct {
	StopTimeout time.Duration `help:"Upper bound for graceful shutdown." default:"10s"`
}

func (c *RunCmd) Run(ctx *Context) error {
	a, err := app.NewApp(ctx.ConfigPath)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(runCtx); err != nil {
		stop(a, c.StopTimeout, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	stop(a, c.StopTimeout, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func stop(a *app.App, limit time.Duration, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
