package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/rpmbundle/internal/config"
	"github.com/clean-dependency-project/rpmbundle/internal/downloader"
	"github.com/clean-dependency-project/rpmbundle/internal/manifest"
	"github.com/clean-dependency-project/rpmbundle/internal/merger"
	"github.com/clean-dependency-project/rpmbundle/internal/resolver"
)

// validate implements the validate command. It exits 1 when any manifest is
// invalid.
func (e Env) validate(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one manifest file is required")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}

	opts := []manifest.Option{manifest.WithSampleSize(cfg.Build.SampleSize)}
	if c.Bool("strict") {
		schema, err := manifest.NewSchemaValidator()
		if err != nil {
			return fmt.Errorf("failed to load manifest schema: %w", err)
		}
		opts = append(opts, manifest.WithSchema(schema))
	}
	validator := manifest.NewValidator(opts...)

	w := c.App.Writer
	invalid := 0
	for _, path := range c.Args().Slice() {
		result, err := validator.ValidateFile(path)
		if err != nil {
			log.Debug("manifest could not be read", "path", path, "error", err)
		}
		if !result.Valid() {
			invalid++
		}
		if !c.Bool("quiet") || !result.Valid() {
			fmt.Fprintf(w, "\n%s:\n%s\n", path, result.Summary())
		}
	}

	log.Info("validation finished", "files", c.NArg(), "invalid", invalid)
	if invalid > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

// merge implements the merge command.
func (e Env) merge(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one manifest file or directory is required")
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}

	m, err := merger.New(c.Int("os-major"), log)
	if err != nil {
		return err
	}

	w := c.App.Writer
	for _, path := range c.Args().Slice() {
		info, err := os.Stat(path)
		if err != nil {
			log.Warn("skipping missing path", "path", path, "error", err)
			continue
		}
		if info.IsDir() {
			count, err := m.AddFromDirectory(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Added %d manifests from %s\n", count, path)
			continue
		}
		switch res := m.AddFile(path); res {
		case merger.Accepted:
			fmt.Fprintf(w, "Added manifest: %s\n", path)
		case merger.RejectedWrongOS:
			fmt.Fprintf(w, "Skipped (wrong OS version): %s\n", path)
		default:
			fmt.Fprintf(w, "Skipped (%s): %s\n", res, path)
		}
	}

	data, err := json.MarshalIndent(m.Report(e.Now()), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal merge report: %w", err)
	}
	if out := c.String("output"); out != "" {
		if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write merge report: %w", err)
		}
		fmt.Fprintf(w, "Merge report written to: %s\n", out)
	} else {
		fmt.Fprintln(w, string(data))
	}

	if list := c.String("package-list"); list != "" {
		if err := m.ExportPackageList(list); err != nil {
			return err
		}
		fmt.Fprintf(w, "Package list written to: %s\n", list)
	}
	return nil
}

// resolve implements the resolve command.
func (e Env) resolve(c *cli.Context) error {
	names, err := readPackages(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}

	opts := resolverOptions(cfg)
	if c.Bool("no-security-preference") {
		opts.PreferSecurity = false
	}

	r := resolver.New(e.Runner, names, opts, log)
	resolved := r.Resolve(c.Context)
	for _, msg := range r.Errors() {
		log.Warn("resolver warning", "error", msg)
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Resolved %d packages.\n", len(resolved))
	if out := c.String("output"); out != "" {
		if err := r.Export(out); err != nil {
			return err
		}
		fmt.Fprintf(w, "Results written to: %s\n", out)
		return nil
	}
	for _, pkg := range resolved {
		fmt.Fprintf(w, "  [%s] %s\n", pkg.Type, pkg.NEVRA)
	}
	return nil
}

// download implements the download command: resolve the named packages,
// then fetch and verify the closure.
func (e Env) download(c *cli.Context) error {
	names, err := readPackages(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}

	r := resolver.New(e.Runner, names, resolverOptions(cfg), log)
	resolved := r.Resolve(c.Context)
	problems := r.Errors()

	d, err := downloader.New(e.Runner, c.String("dest"), log, downloader.WithDNF(cfg.Tools.DNF))
	if err != nil {
		return err
	}

	var results []downloader.Result
	if len(resolved) == 0 {
		problems = append(problems, "No packages to download")
	} else {
		results, err = d.Download(c.Context, resolved)
		if err != nil {
			return err
		}
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Downloaded: %d, Failed: %d\n", len(d.Successful()), len(d.Failed()))
	if len(problems) > 0 {
		fmt.Fprintln(w, "Errors:")
		for _, msg := range problems {
			fmt.Fprintf(w, "  - %s\n", msg)
		}
	}

	if c.Bool("checksums") && len(results) > 0 {
		path := filepath.Join(d.Dir(), "SHA256SUMS")
		if err := d.WriteChecksums(path); err != nil {
			return err
		}
		fmt.Fprintf(w, "Checksums written to: %s\n", path)
	}
	return nil
}

// resolverOptions maps the build configuration onto resolver options.
func resolverOptions(cfg *config.Config) resolver.Options {
	return resolver.Options{
		PreferSecurity:  cfg.Build.PreferSecurity(),
		SecurityTimeout: cfg.Build.GetSecurityTimeout(),
		ClosureTimeout:  cfg.Build.GetClosureTimeout(),
		StagingDir:      cfg.Build.ResolveStagingDir,
		DNF:             cfg.Tools.DNF,
	}
}

// excludeFilter loads the configured exclude list for one OS major. No
// exclude file means no filter.
func excludeFilter(cfg *config.Config, osMajor int) (func(string) bool, error) {
	if cfg.Build.ExcludeFile == "" {
		return nil, nil
	}
	ec, err := config.LoadExcludeConfig(cfg.Build.ExcludeFile)
	if err != nil {
		return nil, err
	}
	return ec.ForOS(osMajor), nil
}
