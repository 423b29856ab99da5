package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/rpmbundle/internal/config"
	"github.com/clean-dependency-project/rpmbundle/internal/report"
	"github.com/clean-dependency-project/rpmbundle/internal/storage"
)

// history implements the history command.
func (e Env) history(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}

	db, err := initDB(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	w := c.App.Writer
	if c.Bool("stats") {
		stats, err := db.GetStats()
		if err != nil {
			return err
		}
		return writeJSON(w, stats)
	}

	var builds []*storage.Build
	if major := c.Int("os-major"); major != 0 {
		builds, err = db.ListBuildsByOS(major)
	} else {
		builds, err = db.ListBuilds()
	}
	if err != nil {
		return err
	}

	switch c.String("output") {
	case "json":
		if builds == nil {
			builds = []*storage.Build{}
		}
		return writeJSON(w, builds)
	case "text":
	default:
		return fmt.Errorf("unsupported output format %q (expected text or json)", c.String("output"))
	}

	if len(builds) == 0 {
		fmt.Fprintln(w, "No builds recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BUNDLE\tSTATUS\tSTARTED\tPACKAGES\tSECURITY\tFAILED\tSIZE\tSHA256")
	for _, b := range builds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			b.BundleID,
			b.Status,
			b.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			b.PackageCount,
			b.SecurityCount,
			b.FailedCount,
			report.FormatBytes(b.SizeBytes),
			shortHash(b.SHA256))
	}
	return tw.Flush()
}

// report implements the report command.
func (e Env) report(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}

	dbPath := c.String("db")
	if dbPath == "" {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		dbPath = cfg.Storage.DatabasePath
	}

	db, err := initDB(dbPath)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	generator := report.NewGenerator(db, log)
	model, err := generator.Generate(c.Context, report.GenerateOptions{
		OutputDir: c.String("out"),
		DryRun:    c.Bool("dry-run"),
	})
	if err != nil {
		return fmt.Errorf("report generation failed: %w", err)
	}

	log.Info("report generated", "builds", model.Totals.Builds, "output_dir", c.String("out"))
	return nil
}

// initConfig implements the init-config command.
func initConfig(c *cli.Context) error {
	path := config.DefaultPath
	if c.NArg() > 0 {
		path = c.Args().First()
	}

	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}

	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Configuration written to: %s\n", path)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortHash(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
