// Package config provides configuration management for the bundle builder.
// It handles the YAML file that sets build defaults, tool locations, history
// storage, signing, scanning and publishing.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for a config file when none is given.
const DefaultPath = "bundle-builder.yaml"

// Sentinel errors for configuration validation
var (
	ErrVersionRequired      = errors.New("version is required")
	ErrWorkDirRequired      = errors.New("build.work_dir is required")
	ErrOutputDirRequired    = errors.New("build.output_dir is required")
	ErrInvalidSampleSize    = errors.New("build.sample_size must be positive")
	ErrInvalidCompression   = errors.New("build.compression_level must be between 1 and 22")
	ErrDNFRequired          = errors.New("tools.dnf is required")
	ErrDatabasePathRequired = errors.New("storage.database_path is required")
	ErrSigningKeyRequired   = errors.New("signing.private_key_path is required when signing is enabled")
	ErrClamAVImageRequired  = errors.New("scan.image is required when scanning is enabled")
	ErrInvalidRepository    = errors.New("publish.github_repository must be in owner/repo format")
)

// Config represents the top-level configuration structure.
type Config struct {
	Version string        `yaml:"version"`
	Build   BuildConfig   `yaml:"build"`
	Tools   ToolsConfig   `yaml:"tools"`
	Storage StorageConfig `yaml:"storage"`
	Signing SigningConfig `yaml:"signing"`
	Scan    ScanConfig    `yaml:"scan"`
	Publish PublishConfig `yaml:"publish"`
}

// BuildConfig holds bundle build defaults.
type BuildConfig struct {
	WorkDir            string `yaml:"work_dir"`
	OutputDir          string `yaml:"output_dir"`
	SecurityPreference *bool  `yaml:"security_preference"`
	SampleSize         int    `yaml:"sample_size"`
	ClosureTimeout     string `yaml:"closure_timeout"`
	SecurityTimeout    string `yaml:"security_timeout"`
	ResolveStagingDir  string `yaml:"resolve_staging_dir"`
	CompressionLevel   int    `yaml:"compression_level"`
	ExcludeFile        string `yaml:"exclude_file"` // Path to YAML/JSON file listing packages never to ship
}

// PreferSecurity reports whether security advisories are queried. Unset
// means yes.
func (b *BuildConfig) PreferSecurity() bool {
	return b.SecurityPreference == nil || *b.SecurityPreference
}

// GetClosureTimeout parses and returns the dependency closure timeout
func (b *BuildConfig) GetClosureTimeout() time.Duration {
	return parseDuration(b.ClosureTimeout, 10*time.Minute)
}

// GetSecurityTimeout parses and returns the security advisory query timeout
func (b *BuildConfig) GetSecurityTimeout() time.Duration {
	return parseDuration(b.SecurityTimeout, 120*time.Second)
}

func parseDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ToolsConfig locates the external programs the builder drives.
type ToolsConfig struct {
	DNF         string `yaml:"dnf"`
	CreaterepoC string `yaml:"createrepo_c"`
	Createrepo  string `yaml:"createrepo"`
	Zstd        string `yaml:"zstd"`
	Docker      string `yaml:"docker"`
}

// StorageConfig represents storage configuration for build history.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// SigningConfig controls detached signatures over SHA256SUMS.
type SigningConfig struct {
	Enabled        bool   `yaml:"enabled"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PassphraseEnv  string `yaml:"passphrase_env"` // Environment variable holding the key passphrase
	PublicKeyPath  string `yaml:"public_key_path"`
}

// ScanConfig controls ClamAV malware scanning of downloaded packages.
type ScanConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"` // Docker image, e.g., "clamav/clamav-debian:latest"
}

// PublishConfig represents GitHub release configuration for finished bundles.
type PublishConfig struct {
	GitHubRepository string `yaml:"github_repository"` // Repository in "owner/repo" format
	TokenEnv         string `yaml:"token_env"`         // Environment variable holding the token
	Draft            bool   `yaml:"draft"`
}

// LoadConfig loads and parses the configuration from a YAML file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate validates the configuration structure and required fields.
func (c *Config) Validate() error {
	if c.Version == "" {
		return ErrVersionRequired
	}
	if c.Build.WorkDir == "" {
		return ErrWorkDirRequired
	}
	if c.Build.OutputDir == "" {
		return ErrOutputDirRequired
	}
	if c.Build.SampleSize <= 0 {
		return ErrInvalidSampleSize
	}
	if c.Build.CompressionLevel < 1 || c.Build.CompressionLevel > 22 {
		return ErrInvalidCompression
	}
	if c.Tools.DNF == "" {
		return ErrDNFRequired
	}
	if c.Storage.DatabasePath == "" {
		return ErrDatabasePathRequired
	}
	if c.Signing.Enabled && c.Signing.PrivateKeyPath == "" {
		return ErrSigningKeyRequired
	}
	if c.Scan.Enabled && c.Scan.Image == "" {
		return ErrClamAVImageRequired
	}
	if repo := c.Publish.GitHubRepository; repo != "" && !validRepository(repo) {
		return fmt.Errorf("%w: %q", ErrInvalidRepository, repo)
	}
	return nil
}

func validRepository(repo string) bool {
	slash := -1
	for i, r := range repo {
		if r == '/' {
			if slash >= 0 {
				return false
			}
			slash = i
		}
	}
	return slash > 0 && slash < len(repo)-1
}

// Passphrase reads the signing key passphrase from the configured
// environment variable. Unset yields nil.
func (s *SigningConfig) Passphrase() []byte {
	if s.PassphraseEnv == "" {
		return nil
	}
	value, ok := os.LookupEnv(s.PassphraseEnv)
	if !ok {
		return nil
	}
	return []byte(value)
}

// Token reads the GitHub token from the configured environment variable.
func (p *PublishConfig) Token() string {
	env := p.TokenEnv
	if env == "" {
		env = "GITHUB_TOKEN"
	}
	return os.Getenv(env)
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Build: BuildConfig{
			WorkDir:           "/tmp/bundle-build",
			OutputDir:         ".",
			SampleSize:        100,
			ClosureTimeout:    "10m",
			SecurityTimeout:   "120s",
			ResolveStagingDir: "/tmp/dnf-resolve-test",
			CompressionLevel:  19,
		},
		Tools: ToolsConfig{
			DNF:         "dnf",
			CreaterepoC: "createrepo_c",
			Createrepo:  "createrepo",
			Zstd:        "zstd",
			Docker:      "docker",
		},
		Storage: StorageConfig{
			DatabasePath: "bundle-history.db",
		},
		Signing: SigningConfig{
			PassphraseEnv: "RPMBUNDLE_SIGNING_PASSPHRASE",
		},
		Scan: ScanConfig{
			Image: "clamav/clamav-debian:latest",
		},
		Publish: PublishConfig{
			TokenEnv: "GITHUB_TOKEN",
		},
	}
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filePath, err)
	}
	return nil
}
