package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/rpmbundle/internal/bundle"
	"github.com/clean-dependency-project/rpmbundle/internal/clamav"
	"github.com/clean-dependency-project/rpmbundle/internal/config"
	gh "github.com/clean-dependency-project/rpmbundle/internal/github"
	"github.com/clean-dependency-project/rpmbundle/internal/gpg"
)

var (
	// ErrVerificationFailed is returned when an archive fails verification.
	ErrVerificationFailed = errors.New("bundle verification failed")
	// ErrNoMetadata is returned when an archive carries no metadata.json.
	ErrNoMetadata = errors.New("archive has no readable metadata.json")
)

// build implements the build command.
func (e Env) build(c *cli.Context) error {
	osMajor, err := parseOS(c.String("os"))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}

	opts := bundle.Options{
		OSMajor:     osMajor,
		ManifestDir: c.String("manifests"),
		OutputDir:   firstNonEmpty(c.String("output"), cfg.Build.OutputDir),
		WorkDir:     firstNonEmpty(c.String("work-dir"), cfg.Build.WorkDir),
		Resolver:    resolverOptions(cfg),
		Tools: bundle.Tools{
			CreaterepoC: cfg.Tools.CreaterepoC,
			Createrepo:  cfg.Tools.Createrepo,
			Zstd:        cfg.Tools.Zstd,
		},
		CompressionLevel: cfg.Build.CompressionLevel,
		Now:              e.Now,
		Hostname:         e.Hostname,
	}
	if opts.Resolver.Exclude, err = excludeFilter(cfg, osMajor); err != nil {
		return err
	}

	deps := bundle.Dependencies{Runner: e.Runner, Logger: log}

	if c.Bool("sign") || cfg.Signing.Enabled {
		if cfg.Signing.PrivateKeyPath == "" {
			return config.ErrSigningKeyRequired
		}
		signer, err := gpg.LoadSignerFromFile(cfg.Signing.PrivateKeyPath, cfg.Signing.Passphrase())
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
		deps.Signer = signer
		log.Info("signing enabled", "fingerprint", signer.Fingerprint())
	}

	if c.Bool("scan") || cfg.Scan.Enabled {
		deps.Scanner = clamav.NewDockerScanner(e.Runner, cfg.Scan.Image, log).WithDocker(cfg.Tools.Docker)
		log.Info("malware scanning enabled", "image", cfg.Scan.Image)
	}

	if !c.Bool("no-history") {
		db, err := initDB(cfg.Storage.DatabasePath)
		if err != nil {
			return err
		}
		defer closeDB(db, log)
		deps.Recorder = db
	}

	builder, err := bundle.New(opts, deps)
	if err != nil {
		return err
	}
	result, err := builder.Build(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("\nBundle build failed: %v", err), 1)
	}

	fmt.Fprintf(c.App.Writer, "\nBundle created successfully: %s\n", result.ArchivePath)
	fmt.Fprintf(c.App.Writer, "SHA256: %s\n", result.SHA256)
	return nil
}

// verify implements the verify command. It exits 1 when any check fails.
func (e Env) verify(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one archive path is required")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	keyRing, err := loadKeyRing(firstNonEmpty(c.String("public-key"), cfg.Signing.PublicKeyPath))
	if err != nil {
		return err
	}

	v, err := bundle.VerifyArchive(c.Args().First(), keyRing)
	if err != nil {
		return err
	}
	printVerification(c.App.Writer, v, keyRing != nil)
	if !v.OK() {
		return cli.Exit("", 1)
	}
	return nil
}

// publish implements the publish command: verify the archive, then create a
// release tagged with the bundle id and upload the archive and its sidecar.
func (e Env) publish(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one archive path is required")
	}
	archive := c.Args().First()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}

	repo := firstNonEmpty(c.String("repository"), cfg.Publish.GitHubRepository)
	if repo == "" {
		return fmt.Errorf("a GitHub repository is required (--repository or publish.github_repository)")
	}
	token := cfg.Publish.Token()
	if token == "" {
		return fmt.Errorf("%s environment variable is required for publishing", firstNonEmpty(cfg.Publish.TokenEnv, "GITHUB_TOKEN"))
	}

	keyRing, err := loadKeyRing(cfg.Signing.PublicKeyPath)
	if err != nil {
		return err
	}
	v, err := bundle.VerifyArchive(archive, keyRing)
	if err != nil {
		return err
	}
	if !v.OK() {
		printVerification(c.App.ErrWriter, v, keyRing != nil)
		return ErrVerificationFailed
	}
	if v.Metadata == nil {
		return ErrNoMetadata
	}

	client, err := e.NewReleaseClient(token, repo)
	if err != nil {
		return fmt.Errorf("failed to create GitHub client: %w", err)
	}

	db, err := initDB(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	md := v.Metadata
	publisher := gh.NewPublisher(client, db, c.Bool("draft") || cfg.Publish.Draft, log)
	release, err := publisher.Publish(c.Context, gh.Bundle{
		BundleID:        md.BundleID,
		OSMajor:         md.OSMajor,
		ArchivePath:     archive,
		SidecarPath:     archive + ".sha256",
		SHA256:          v.SHA256,
		PackageCount:    md.Packages.TotalCount,
		SecurityCount:   md.Packages.SecurityCount,
		UpdateCount:     md.Packages.UpdateCount,
		DependencyCount: md.Packages.DependencyCount,
		ManifestCount:   len(md.ManifestsUsed),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "Release published: %s\n", release.ReleaseURL)
	return nil
}

// loadKeyRing loads public keys from an armored file or a directory of .asc
// files. An empty path means no signature check.
func loadKeyRing(path string) (gpg.KeyRing, error) {
	if path == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	if info.IsDir() {
		return gpg.LoadKeyRingFromPath(path)
	}
	return gpg.LoadKeyRingFromFile(path)
}

func printVerification(w io.Writer, v *bundle.Verification, keyChecked bool) {
	fmt.Fprintf(w, "Archive:  %s\n", v.ArchivePath)
	fmt.Fprintf(w, "SHA256:   %s\n", v.SHA256)
	if v.BundleID != "" {
		fmt.Fprintf(w, "Bundle:   %s\n", v.BundleID)
	}

	switch {
	case !v.SidecarChecked:
		fmt.Fprintln(w, "Sidecar:  not present")
	case v.SidecarMatch:
		fmt.Fprintln(w, "Sidecar:  match")
	default:
		fmt.Fprintln(w, "Sidecar:  MISMATCH")
	}

	fmt.Fprintf(w, "Packages: %d verified\n", v.Checked)
	for _, name := range v.Mismatched {
		fmt.Fprintf(w, "  - checksum mismatch: %s\n", name)
	}
	for _, name := range v.Missing {
		fmt.Fprintf(w, "  - missing: %s\n", name)
	}
	for _, name := range v.Unlisted {
		fmt.Fprintf(w, "  - not in SHA256SUMS (not checked): %s\n", name)
	}

	switch {
	case v.SignatureValid:
		fmt.Fprintln(w, "Signature: valid")
	case v.Signed && keyChecked:
		fmt.Fprintln(w, "Signature: INVALID")
	case v.Signed:
		fmt.Fprintln(w, "Signature: present, not checked")
	default:
		fmt.Fprintln(w, "Signature: none")
	}

	for _, msg := range v.Errors {
		fmt.Fprintf(w, "  - %s\n", msg)
	}
	if v.OK() {
		fmt.Fprintln(w, "Bundle OK")
	} else {
		fmt.Fprintln(w, "Bundle verification FAILED")
	}
}

type closer interface{ Close() error }

func closeDB(db closer, log *slog.Logger) {
	if err := db.Close(); err != nil {
		log.Warn("failed to close database", "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
