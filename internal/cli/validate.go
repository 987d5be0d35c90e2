package cli

import (
	"fmt"
	"strings"

	"modeshift/internal/app"
)

type ValidateCmd struct{}

func (c *ValidateCmd) Run(ctx *Context) error {
	cfg, err := app.CheckConfig(ctx.ConfigPath)
	if err != nil {
		return err
	}
	driver := "memory"
	if cfg.Storage != nil && strings.TrimSpace(cfg.Storage.Driver) != "" {
		driver = cfg.Storage.Driver
	}
	tz := cfg.Scheduler.Timezone
	if tz == "" {
		tz = "Local"
	}
	fmt.Fprintf(ctx.Out, "✓ %s is valid (scheduler=%t tz=%s storage=%s http=%t)\n",
		ctx.ConfigPath, cfg.Scheduler.Enabled, tz, driver, cfg.HTTP.Enabled)
	return nil
}
