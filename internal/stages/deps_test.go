package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comercium/deployctl/internal/executil"
)

// fakePip installs a shell script named pip on PATH and returns the path of
// a log file the script appends its arguments to.
func fakePip(t *testing.T, body string) string {
	t.Helper()

	binDir := t.TempDir()
	argsLog := filepath.Join(binDir, "args.log")
	script := "#!/bin/sh\necho \"$@\" >> " + argsLog + "\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "pip"), []byte(script), 0o755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return argsLog
}

func writeRequirements(t *testing.T, workDir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "requirements.txt"),
		[]byte("Django==5.0\n"), 0o644))
}

func TestDepsInstalls(t *testing.T) {
	rc := newTestContext(t)
	writeRequirements(t, rc.WorkDir)
	argsLog := fakePip(t, "exit 0")

	stage := &Deps{}
	summary, err := stage.Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "requirements installed", summary)

	logged, err := os.ReadFile(argsLog)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "install -r")
}

func TestDepsUpgradesPipFirst(t *testing.T) {
	rc := newTestContext(t)
	rc.Config.Stages.Deps.UpgradePip = true
	writeRequirements(t, rc.WorkDir)
	argsLog := fakePip(t, "exit 0")

	stage := &Deps{}
	_, err := stage.Run(context.Background(), rc)
	require.NoError(t, err)

	logged, err := os.ReadFile(argsLog)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(logged)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "install --upgrade pip", lines[0])
	assert.Contains(t, lines[1], "install -r")
}

func TestDepsPropagatesExitCode(t *testing.T) {
	rc := newTestContext(t)
	writeRequirements(t, rc.WorkDir)
	fakePip(t, `case "$1" in install) exit 23 ;; esac; exit 0`)

	stage := &Deps{}
	_, err := stage.Run(context.Background(), rc)
	require.Error(t, err)

	var cmdErr *executil.CommandError
	require.True(t, errors.As(err, &cmdErr), "install failures carry the command exit code")
	if cmdErr.Code != 23 {
		t.Errorf("CommandError.Code = %d, want 23", cmdErr.Code)
	}
}

func TestDepsMissingRequirements(t *testing.T) {
	rc := newTestContext(t)
	fakePip(t, "exit 0")

	stage := &Deps{}
	_, err := stage.Run(context.Background(), rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requirements file")
}

func TestDepsPipNotOnPath(t *testing.T) {
	rc := newTestContext(t)
	rc.Config.Stages.Deps.Pip = "pip-that-does-not-exist"
	writeRequirements(t, rc.WorkDir)

	stage := &Deps{}
	_, err := stage.Run(context.Background(), rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in PATH")
}

func TestDepsVerifyPackages(t *testing.T) {
	rc := newTestContext(t)
	rc.Config.Stages.Deps.Verify = []string{"django", "sentry-sdk"}
	writeRequirements(t, rc.WorkDir)
	fakePip(t, `case "$1" in
list) echo '[{"name":"Django","version":"5.0"},{"name":"sentry_sdk","version":"2.0"}]' ;;
esac
exit 0`)

	stage := &Deps{}
	summary, err := stage.Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "requirements installed, 2 packages verified", summary)
}

func TestDepsVerifyReportsMissing(t *testing.T) {
	rc := newTestContext(t)
	rc.Config.Stages.Deps.Verify = []string{"django", "celery"}
	writeRequirements(t, rc.WorkDir)
	fakePip(t, `case "$1" in
list) echo '[{"name":"Django","version":"5.0"}]' ;;
esac
exit 0`)

	stage := &Deps{}
	_, err := stage.Run(context.Background(), rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "celery")
	assert.NotContains(t, err.Error(), "django,")
}

func TestNormalizePackage(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Django", "django"},
		{"sentry_sdk", "sentry-sdk"},
		{"django-allauth", "django-allauth"},
	}
	for _, tt := range tests {
		if got := normalizePackage(tt.in); got != tt.want {
			t.Errorf("normalizePackage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
