package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"modeshift/internal/weekly"
)

// PreviewCmd prints upcoming fire times for a schedule without touching any
// state.
type PreviewCmd struct {
	At           string `arg:"" help:"Time of day (HH:MM)."`
	Days         string `arg:"" optional:"" help:"Days: daily, weekdays, weekends, mon,wed or a 7-bit mask starting Sunday." default:"daily"`
	Count        int    `help:"Number of occurrences." default:"5"`
	TZ           string `name:"tz" help:"IANA timezone; empty means local."`
	ForceNextDay bool   `help:"Skip today even if the time is still ahead."`
}

func (c *PreviewCmd) Run(ctx *Context) error {
	at, err := weekly.ParseTimeOfDay(c.At)
	if err != nil {
		return err
	}
	days, err := weekly.ParseMask(c.Days)
	if err != nil {
		return err
	}
	loc := time.Local
	if c.TZ != "" {
		if loc, err = time.LoadLocation(c.TZ); err != nil {
			return fmt.Errorf("invalid tz %q: %w", c.TZ, err)
		}
	}
	now := ctx.now().In(loc)
	runs, err := previewRuns(now, at, days, c.Count, c.ForceNextDay)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "%s on %s:\n", at, days)
	for _, t := range runs {
		fmt.Fprintf(ctx.Out, "  %s  (%s)\n", t.Format("Mon 2006-01-02 15:04 MST"), humanize.RelTime(t, now, "ago", "from now"))
	}
	return nil
}

func previewRuns(now time.Time, at weekly.TimeOfDay, days weekly.Mask, count int, force bool) ([]time.Time, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be > 0")
	}
	out := make([]time.Time, 0, count)
	for i := 0; i < count; i++ {
		next, err := weekly.Next(now, at, days, force && i == 0)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		now = next
	}
	return out, nil
}
