package bundle

import (
	"context"
	"fmt"
	"strings"

	"github.com/clean-dependency-project/rpmbundle/internal/command"
)

// Tools names the external binaries the assembler drives.
type Tools struct {
	CreaterepoC string
	Createrepo  string
	Zstd        string
}

// DefaultTools returns the binaries looked up on PATH.
func DefaultTools() Tools {
	return Tools{CreaterepoC: "createrepo_c", Createrepo: "createrepo", Zstd: "zstd"}
}

func (t Tools) withDefaults() Tools {
	def := DefaultTools()
	if t.CreaterepoC == "" {
		t.CreaterepoC = def.CreaterepoC
	}
	if t.Createrepo == "" {
		t.Createrepo = def.Createrepo
	}
	if t.Zstd == "" {
		t.Zstd = def.Zstd
	}
	return t
}

// GenerateRepodata (re)builds the repository index in dir with
// createrepo_c, or createrepo when createrepo_c is not installed.
func GenerateRepodata(ctx context.Context, runner command.Runner, dir string, tools Tools) error {
	tools = tools.withDefaults()

	bin := tools.CreaterepoC
	res, err := runner.Run(ctx, bin, "--update", dir)
	if command.NotFound(err) {
		bin = tools.Createrepo
		res, err = runner.Run(ctx, bin, "--update", dir)
	}
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", bin, err)
	}
	if !res.Success() {
		return fmt.Errorf("%s exited with %d: %s", bin, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}
