package cli

import (
	"os"
	"time"

	"github.com/clean-dependency-project/rpmbundle/internal/command"
	gh "github.com/clean-dependency-project/rpmbundle/internal/github"
)

// Env carries the process-level collaborators of every command, so tests can
// swap the external tools and GitHub for fakes.
type Env struct {
	// Runner executes dnf, createrepo, zstd and docker.
	Runner command.Runner

	// NewReleaseClient connects to a GitHub repository for publishing.
	NewReleaseClient func(token, repository string) (gh.ReleaseClient, error)

	Now      func() time.Time
	Hostname func() (string, error)
}

// DefaultEnv returns the environment of a real run.
func DefaultEnv() Env {
	return Env{
		Runner: command.NewExecRunner(),
		NewReleaseClient: func(token, repository string) (gh.ReleaseClient, error) {
			return gh.NewClient(token, repository)
		},
		Now:      time.Now,
		Hostname: os.Hostname,
	}
}

func (e Env) withDefaults() Env {
	def := DefaultEnv()
	if e.Runner == nil {
		e.Runner = def.Runner
	}
	if e.NewReleaseClient == nil {
		e.NewReleaseClient = def.NewReleaseClient
	}
	if e.Now == nil {
		e.Now = def.Now
	}
	if e.Hostname == nil {
		e.Hostname = def.Hostname
	}
	return e
}
