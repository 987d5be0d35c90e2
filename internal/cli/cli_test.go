package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modeshift/internal/weekly"
)

func TestPreviewRuns(t *testing.T) {
	t.Parallel()
	// Monday 2024-01-01 09:00 UTC.
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	monWed := weekly.MaskOf(time.Monday, time.Wednesday)
	cases := []struct {
		name  string
		at    weekly.TimeOfDay
		days  weekly.Mask
		force bool
		want  []string
	}{
		{
			name: "later today first",
			at:   weekly.MustTimeOfDay(22, 0),
			days: monWed,
			want: []string{"2024-01-01 22:00", "2024-01-03 22:00", "2024-01-08 22:00"},
		},
		{
			name:  "force skips today",
			at:    weekly.MustTimeOfDay(22, 0),
			days:  monWed,
			force: true,
			want:  []string{"2024-01-03 22:00", "2024-01-08 22:00", "2024-01-10 22:00"},
		},
		{
			name: "passed today rolls a week",
			at:   weekly.MustTimeOfDay(8, 0),
			days: weekly.MaskOf(time.Monday),
			want: []string{"2024-01-08 08:00", "2024-01-15 08:00", "2024-01-22 08:00"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := previewRuns(now, tc.at, tc.days, len(tc.want), tc.force)
			if err != nil {
				t.Fatalf("previewRuns: %v", err)
			}
			for i, w := range tc.want {
				if s := got[i].Format("2006-01-02 15:04"); s != w {
					t.Fatalf("run %d = %s, want %s", i, s, w)
				}
			}
		})
	}
}

func TestPreviewRunsErrors(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	if _, err := previewRuns(now, weekly.MustTimeOfDay(1, 0), weekly.Mask{}, 3, false); err == nil {
		t.Fatalf("expected error for empty mask")
	}
	if _, err := previewRuns(now, weekly.MustTimeOfDay(1, 0), weekly.MaskOf(time.Friday), 0, false); err == nil {
		t.Fatalf("expected error for zero count")
	}
}

func TestPreviewCmdOutput(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	ctx := &Context{
		Out: &out,
		Now: func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) },
	}
	cmd := &PreviewCmd{At: "22:00", Days: "mon,wed", Count: 2, TZ: "UTC"}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := out.String()
	for _, want := range []string{"22:00 on mon,wed", "Mon 2024-01-01 22:00 UTC", "13 hours from now", "Wed 2024-01-03 22:00 UTC"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestValidateCmd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(good, []byte("scheduler:\n  enabled: true\n  timezone: UTC\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("scheduler:\n  enabled: true\n  timezone: Nowhere/Special\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := (&ValidateCmd{}).Run(&Context{ConfigPath: good, Out: &out}); err != nil {
		t.Fatalf("good config: %v", err)
	}
	if !strings.Contains(out.String(), "tz=UTC storage=memory") {
		t.Fatalf("output = %q", out.String())
	}
	if err := (&ValidateCmd{}).Run(&Context{ConfigPath: bad, Out: &out}); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}
