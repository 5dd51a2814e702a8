package browser

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const screenshotPrefix = "debug_"

// Diagnostics writes best-effort debug screenshots to a directory.
type Diagnostics struct {
	dir    string
	logger *slog.Logger
}

// NewDiagnostics returns a Diagnostics writing into dir.
func NewDiagnostics(dir string, logger *slog.Logger) *Diagnostics {
	if dir == "" {
		dir = "."
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{dir: dir, logger: logger}
}

// Path returns the file a screenshot named name is written to.
func (d *Diagnostics) Path(name string) string {
	return filepath.Join(d.dir, screenshotPrefix+Slug(name)+".png")
}

// Capture screenshots page. Failures are logged and swallowed.
func (d *Diagnostics) Capture(page Page, name string) {
	if d == nil || page == nil || page.IsClosed() {
		return
	}
	path := d.Path(name)
	if err := page.Screenshot(path); err != nil {
		d.logger.Warn("screenshot failed",
			slog.String("name", name),
			slog.String("reason", FailureKind(err)),
			slog.Any("error", err),
		)
		return
	}
	d.logger.Debug("screenshot captured", slog.String("path", path))
}

// Clear removes screenshots left behind by a previous run.
func (d *Diagnostics) Clear() (int, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return 0, fmt.Errorf("create debug dir %q: %w", d.dir, err)
	}
	matches, err := filepath.Glob(filepath.Join(d.dir, screenshotPrefix+"*.png"))
	if err != nil {
		return 0, fmt.Errorf("list screenshots: %w", err)
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Slug turns a human description into a file-name fragment.
func Slug(description string) string {
	s := strings.ToLower(strings.TrimSpace(description))
	return strings.Join(strings.Fields(s), "_")
}
