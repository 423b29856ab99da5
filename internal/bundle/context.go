package bundle

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// logTimeFormat matches ISO 8601 with microseconds and a numeric offset.
const logTimeFormat = "2006-01-02T15:04:05.000000-07:00"

// BuildContext carries one build's identity and its ordered, human-readable
// log through the pipeline.
type BuildContext struct {
	BundleID  string
	OSMajor   int
	StartedAt time.Time

	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries []string
}

// NewBuildContext starts a build log. now stamps each entry; nil means
// time.Now.
func NewBuildContext(bundleID string, osMajor int, startedAt time.Time, now func() time.Time, logger *slog.Logger) *BuildContext {
	if now == nil {
		now = time.Now
	}
	return &BuildContext{
		BundleID:  bundleID,
		OSMajor:   osMajor,
		StartedAt: startedAt,
		now:       now,
		logger:    logger,
	}
}

// Logf appends "[<timestamp>] <message>" and mirrors it to slog.
func (c *BuildContext) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	entry := fmt.Sprintf("[%s] %s", c.now().UTC().Format(logTimeFormat), msg)

	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info(strings.TrimSpace(msg), "bundle_id", c.BundleID)
	}
}

// Lines returns a copy of the log entries in order.
func (c *BuildContext) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.entries...)
}

// String renders the log as written to disk.
func (c *BuildContext) String() string {
	return strings.Join(c.Lines(), "\n") + "\n"
}

// WriteTo writes the log entries collected so far to path.
func (c *BuildContext) WriteTo(path string) error {
	if err := os.WriteFile(path, []byte(c.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write build log: %w", err)
	}
	return nil
}
