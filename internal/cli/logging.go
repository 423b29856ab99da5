package cli

import (
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/rpmbundle/internal/logger"
)

// newLogger builds the command logger from the global flags. Logs go to the
// app's error writer so stdout stays clean for command output.
func newLogger(c *cli.Context) (*slog.Logger, error) {
	return logger.New(c.String("log-level"), c.String("log-format"), c.App.ErrWriter)
}
