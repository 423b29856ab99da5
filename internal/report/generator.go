// Package report renders the build history as a static HTML page and a
// JSON feed.
package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/clean-dependency-project/rpmbundle/internal/storage"
)

// BuildReader abstracts the history queries the report needs.
type BuildReader interface {
	ListBuilds() ([]*storage.Build, error)
	GetAllReleases() ([]storage.Release, error)
}

// Generator renders reports from build history.
type Generator struct {
	reader BuildReader
	logger *slog.Logger
	now    func() time.Time
}

// NewGenerator creates a new Generator with the provided BuildReader.
func NewGenerator(reader BuildReader, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Generator{reader: reader, logger: logger, now: time.Now}
}

// GenerateOptions contains options for report generation.
type GenerateOptions struct {
	OutputDir string
	DryRun    bool
}

// Generate writes index.html and builds.json to opts.OutputDir. Files whose
// content is unchanged are left untouched.
func (g *Generator) Generate(ctx context.Context, opts GenerateOptions) (*Model, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.logger.Info("starting report generation", "output_dir", opts.OutputDir, "dry_run", opts.DryRun)

	builds, err := g.reader.ListBuilds()
	if err != nil {
		return nil, fmt.Errorf("failed to load builds: %w", err)
	}
	releases, err := g.reader.GetAllReleases()
	if err != nil {
		return nil, fmt.Errorf("failed to load releases: %w", err)
	}
	g.logger.Info("loaded history", "builds", len(builds), "releases", len(releases))

	model := BuildModel(builds, releases, g.now())

	html, err := RenderHTML(model)
	if err != nil {
		return nil, fmt.Errorf("failed to render html: %w", err)
	}
	feed, err := RenderJSON(model)
	if err != nil {
		return nil, fmt.Errorf("failed to render json: %w", err)
	}

	if opts.DryRun {
		g.logger.Info("dry-run mode: skipping file writes")
		return model, nil
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := writeFileIfChanged(joinPath(opts.OutputDir, "index.html"), html, g.logger); err != nil {
		return nil, err
	}
	if err := writeFileIfChanged(joinPath(opts.OutputDir, "builds.json"), feed, g.logger); err != nil {
		return nil, err
	}

	g.logger.Info("report generation completed successfully")
	return model, nil
}
