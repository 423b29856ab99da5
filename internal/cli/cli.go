// Package cli provides the bundle-builder command-line interface. Every
// pipeline stage can run on its own (validate, merge, resolve, download) and
// the build command runs them end to end.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/rpmbundle/internal/config"
	"github.com/clean-dependency-project/rpmbundle/internal/storage"
)

// ErrNoPackages is returned when neither --packages nor --package-file named
// anything.
var ErrNoPackages = errors.New("no packages specified")

// NewApp creates the CLI application with a real environment.
func NewApp() *cli.App {
	return NewAppWithEnv(DefaultEnv())
}

// NewAppWithEnv creates the CLI application around env.
func NewAppWithEnv(env Env) *cli.App {
	env = env.withDefaults()
	return &cli.App{
		Name:     "bundle-builder",
		Usage:    "Build air-gap RPM update bundles from host manifests",
		Version:  "1.0.0",
		Compiled: time.Now(),
		Authors: []*cli.Author{
			{
				Name:  "Clean Dependency Project",
				Email: "info@example.com",
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultPath,
				Usage:   "path to bundle-builder configuration file",
				EnvVars: []string{"RPMBUNDLE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"RPMBUNDLE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "json",
				Usage:   "log format (json, text)",
				EnvVars: []string{"RPMBUNDLE_LOG_FORMAT"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Validate host manifest files",
				ArgsUsage: "FILES...",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "quiet",
						Aliases: []string{"q"},
						Usage:   "only report invalid manifests",
					},
					&cli.BoolFlag{
						Name:  "strict",
						Usage: "also check against the JSON schema",
					},
				},
				Action: env.validate,
			},
			{
				Name:      "merge",
				Usage:     "Merge host manifests for one OS major version",
				ArgsUsage: "PATHS...",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:     "os-major",
						Usage:    "target OS major version (8 or 9)",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "write the merge report to this file instead of stdout",
					},
					&cli.StringFlag{
						Name:  "package-list",
						Usage: "write the merged package names to this file",
					},
				},
				Action: env.merge,
			},
			{
				Name:  "resolve",
				Usage: "Resolve available updates and their dependencies",
				Flags: append(packageFlags(),
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "write the resolution to this JSON file",
					},
					&cli.BoolFlag{
						Name:  "no-security-preference",
						Usage: "do not query security advisories",
					},
				),
				Action: env.resolve,
			},
			{
				Name:  "download",
				Usage: "Resolve and download updates into a directory",
				Flags: append(packageFlags(),
					&cli.StringFlag{
						Name:     "dest",
						Aliases:  []string{"d"},
						Usage:    "download destination directory",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "checksums",
						Usage: "write SHA256SUMS for the downloads",
					},
				),
				Action: env.download,
			},
			{
				Name:  "build",
				Usage: "Build a complete update bundle",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "os",
						Usage:    "target OS (rhel8, rhel9)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "manifests",
						Usage:    "directory containing host manifests",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "output directory for the bundle (default from config)",
					},
					&cli.StringFlag{
						Name:  "work-dir",
						Usage: "working directory for intermediate files (default from config)",
					},
					&cli.BoolFlag{
						Name:  "sign",
						Usage: "sign SHA256SUMS with the configured key",
					},
					&cli.BoolFlag{
						Name:  "scan",
						Usage: "scan downloaded packages with ClamAV",
					},
					&cli.BoolFlag{
						Name:  "no-history",
						Usage: "do not record the build in the history database",
					},
				},
				Action: env.build,
			},
			{
				Name:      "verify",
				Usage:     "Verify a bundle archive",
				ArgsUsage: "ARCHIVE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "public-key",
						Usage: "armored public key file or directory of .asc keys (default from config)",
					},
				},
				Action: env.verify,
			},
			{
				Name:  "history",
				Usage: "List recorded builds",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "os-major",
						Usage: "only builds for this OS major version",
					},
					&cli.StringFlag{
						Name:  "output",
						Value: "text",
						Usage: "output format (text, json)",
					},
					&cli.BoolFlag{
						Name:  "stats",
						Usage: "print aggregate statistics instead of builds",
					},
				},
				Action: env.history,
			},
			{
				Name:  "report",
				Usage: "Generate a static HTML report from build history",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "db",
						Usage:   "path to SQLite database file (default from config)",
						EnvVars: []string{"RPMBUNDLE_DB"},
					},
					&cli.StringFlag{
						Name:     "out",
						Usage:    "output directory for generated files",
						Required: true,
						EnvVars:  []string{"RPMBUNDLE_REPORT_OUT"},
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "render without writing files",
					},
				},
				Action: env.report,
			},
			{
				Name:      "publish",
				Usage:     "Publish a bundle archive as a GitHub release",
				ArgsUsage: "ARCHIVE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "repository",
						Usage: "GitHub repository in owner/repo format (default from config)",
					},
					&cli.BoolFlag{
						Name:  "draft",
						Usage: "create the release as a draft",
					},
				},
				Action: env.publish,
			},
			{
				Name:      "init-config",
				Usage:     "Write the default configuration file",
				ArgsUsage: "[PATH]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "overwrite an existing file",
					},
				},
				Action: initConfig,
			},
		},
	}
}

func packageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "packages",
			Usage: "package names",
		},
		&cli.StringFlag{
			Name:  "package-file",
			Usage: "file with one package name per line (# starts a comment)",
		},
	}
}

// loadConfig reads the --config file. A missing file at the default location
// means defaults; a missing file that was asked for is an error.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !c.IsSet("config") {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// initDB opens the build history database.
func initDB(path string) (*storage.DB, error) {
	db, err := storage.InitDB(storage.Config{
		DatabasePath: path,
		LogLevel:     "silent",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

// readPackages collects package names from --packages and --package-file,
// dropping blanks, comments and duplicates. The result is sorted.
func readPackages(c *cli.Context) ([]string, error) {
	set := make(map[string]struct{})
	for _, name := range c.StringSlice("packages") {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = struct{}{}
		}
	}

	if path := c.String("package-file"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open package file: %w", err)
		}
		defer func() { _ = f.Close() }()

		names, err := parsePackageList(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read package file %s: %w", path, err)
		}
		for _, name := range names {
			set[name] = struct{}{}
		}
	}

	if len(set) == 0 {
		return nil, ErrNoPackages
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func parsePackageList(r io.Reader) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, sc.Err()
}

// parseOS maps "rhel8"/"rhel9" to the major version.
func parseOS(value string) (int, error) {
	switch strings.ToLower(value) {
	case "rhel8":
		return 8, nil
	case "rhel9":
		return 9, nil
	default:
		return 0, fmt.Errorf("invalid --os value %q (expected rhel8 or rhel9)", value)
	}
}
