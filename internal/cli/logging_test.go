package cli

import (
	"strings"
	"testing"

	"github.com/clean-dependency-project/rpmbundle/internal/command"
	"github.com/clean-dependency-project/rpmbundle/internal/manifest/manifesttest"
)

func TestLogFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "invalid level", args: []string{"--log-level", "loud"}, wantErr: "invalid logLevel"},
		{name: "invalid format", args: []string{"--log-format", "xml"}, wantErr: "invalid logFormat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &command.Fake{})
			h.out.Reset()
			app := NewAppWithEnv(h.env)
			app.Writer = &h.out
			app.ErrWriter = &h.errOut
			args := append([]string{"bundle-builder", "--config", h.cfgPath}, tt.args...)
			err := app.Run(append(args, "history"))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLogsGoToErrWriter(t *testing.T) {
	h := newHarness(t, &command.Fake{})
	good := manifesttest.WriteFile(t, h.dir, "good.json", manifesttest.RHEL9)

	if err := h.run("validate", good); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(h.errOut.String(), "validation finished") {
		t.Errorf("stderr = %q, want the validation log record", h.errOut.String())
	}
	if strings.Contains(h.out.String(), "validation finished") {
		t.Errorf("log record leaked to stdout: %q", h.out.String())
	}
}
