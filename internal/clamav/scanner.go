// Package clamav scans downloaded packages for malware with ClamAV running
// in a Docker container.
package clamav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/clean-dependency-project/rpmbundle/internal/command"
)

// DefaultImage is the ClamAV image used when none is configured.
const DefaultImage = "clamav/clamav-debian:latest"

// containerPath is where the scanned directory is mounted.
const containerPath = "/scan"

// Sentinel errors
var (
	ErrDockerUnavailable = errors.New("docker command not available")
	ErrScanFailed        = errors.New("clamscan reported an error")
)

// Scanner scans a file or directory tree for malware.
type Scanner interface {
	Scan(ctx context.Context, path string) (Result, error)
}

// Result represents the outcome of a malware scan.
type Result struct {
	Clean    bool
	Threats  []Threat
	Metadata Metadata
}

// Threat is one infected file.
type Threat struct {
	File string // Path relative to the scanned directory
	Name string // Signature name, e.g. "Eicar-Signature"
}

func (t Threat) String() string {
	return t.File + ": " + t.Name
}

// Metadata contains information about the scan environment.
type Metadata struct {
	EngineVersion string
	DatabaseDate  string
	ScanDuration  time.Duration
}

// DockerScanner implements Scanner using ClamAV in a Docker container.
type DockerScanner struct {
	runner command.Runner
	docker string
	image  string
	logger *slog.Logger
}

// NewDockerScanner creates a scanner that uses ClamAV in Docker.
func NewDockerScanner(runner command.Runner, image string, logger *slog.Logger) *DockerScanner {
	if image == "" {
		image = DefaultImage
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DockerScanner{
		runner: runner,
		docker: "docker",
		image:  image,
		logger: logger,
	}
}

// WithDocker overrides the docker binary.
func (s *DockerScanner) WithDocker(bin string) *DockerScanner {
	if bin != "" {
		s.docker = bin
	}
	return s
}

// Scan recursively scans path, read-only mounted into the container.
func (s *DockerScanner) Scan(ctx context.Context, path string) (Result, error) {
	start := time.Now()

	if !s.dockerAvailable(ctx) {
		return Result{}, ErrDockerUnavailable
	}

	if err := s.ensureImage(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to ensure image: %w", err)
	}

	version, err := s.getVersion(ctx)
	if err != nil {
		s.logger.Warn("failed to get ClamAV version", "error", err)
		version = "unknown"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get absolute path: %w", err)
	}

	s.logger.Info("scanning for malware", "path", absPath, "image", s.image)
	res, err := s.runner.Run(ctx, s.docker, buildDockerArgs(s.image, absPath, containerPath)...)
	if err != nil {
		return Result{}, fmt.Errorf("failed to run clamscan: %w", err)
	}

	result, err := parseResult(res.Stdout, res.ExitCode, version)
	if err != nil {
		return Result{}, err
	}
	result.Metadata.ScanDuration = time.Since(start)

	s.logger.Info("scan finished",
		"clean", result.Clean,
		"threats", len(result.Threats),
		"duration", result.Metadata.ScanDuration)
	return result, nil
}

func (s *DockerScanner) getVersion(ctx context.Context) (string, error) {
	res, err := s.runner.Run(ctx, s.docker, "run", "--rm", s.image, "clamscan", "--version")
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("clamscan --version exited with %d", res.ExitCode)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

func (s *DockerScanner) dockerAvailable(ctx context.Context) bool {
	res, err := s.runner.Run(ctx, s.docker, "--version")
	return err == nil && res.Success()
}

// ensureImage pulls the image unless it is already present.
func (s *DockerScanner) ensureImage(ctx context.Context) error {
	res, err := s.runner.Run(ctx, s.docker, "image", "inspect", s.image)
	if err == nil && res.Success() {
		return nil
	}

	s.logger.Info("pulling ClamAV image", "image", s.image)
	res, err = s.runner.Run(ctx, s.docker, "pull", s.image)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", s.image, err)
	}
	if !res.Success() {
		return fmt.Errorf("failed to pull image %s: %s", s.image, strings.TrimSpace(ParseDockerOutput(string(res.Stderr))))
	}
	return nil
}

// buildDockerArgs constructs arguments for docker run command.
func buildDockerArgs(image, hostPath, mountPath string) []string {
	return []string{
		"run",
		"--rm",
		"-v", fmt.Sprintf("%s:%s:ro", hostPath, mountPath),
		image,
		"clamscan",
		"--stdout",
		"--infected", // Only list infected files
		"-r",
		mountPath,
	}
}

// ParseDockerOutput drops docker pull progress lines from output.
func ParseDockerOutput(output string) string {
	lines := strings.Split(output, "\n")
	var filtered []string

	for _, line := range lines {
		if strings.Contains(line, "Pulling from") ||
			strings.Contains(line, "Digest:") ||
			strings.Contains(line, "Status:") ||
			strings.Contains(line, "Downloaded") {
			continue
		}
		filtered = append(filtered, line)
	}

	return strings.Join(filtered, "\n")
}
