package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comercium/deployctl/internal/config"
	"github.com/comercium/deployctl/internal/pipeline"
)

func TestHooksSkipWhenNoneConfigured(t *testing.T) {
	rc := newTestContext(t)

	stage := &Hooks{}
	_, err := stage.Run(context.Background(), rc)

	var skip *pipeline.SkipError
	require.True(t, errors.As(err, &skip))
	assert.Contains(t, skip.Reason, "no hooks configured")
}

func TestHooksRunInWorkDir(t *testing.T) {
	rc := newTestContext(t)
	rc.Config.Stages.Hooks = []config.HookConfig{
		{Name: "notify", Command: []string{"sh", "-c", "echo done > hook.marker"}},
	}

	stage := &Hooks{}
	summary, err := stage.Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "1 hooks run, 0 skipped", summary)

	_, err = os.Stat(filepath.Join(rc.WorkDir, "hook.marker"))
	assert.NoError(t, err, "hook commands run from the project root")
}

func TestHooksWhenExpression(t *testing.T) {
	rc := newTestContext(t)
	rc.Config.Stages.Hooks = []config.HookConfig{
		{Name: "prod-only", Command: []string{"sh", "-c", "touch prod.marker"}, When: "production"},
		{Name: "release-only", Command: []string{"sh", "-c", "touch release.marker"}, When: `profile == "release"`},
	}

	stage := &Hooks{}
	summary, err := stage.Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "1 hooks run, 1 skipped", summary)

	_, err = os.Stat(filepath.Join(rc.WorkDir, "prod.marker"))
	assert.True(t, os.IsNotExist(err), "production hook must not run locally")
	_, err = os.Stat(filepath.Join(rc.WorkDir, "release.marker"))
	assert.NoError(t, err, "release profile hook should run")
}

func TestHooksEnvBinding(t *testing.T) {
	t.Setenv("DEPLOY_RING", "canary")

	rc := newTestContext(t)
	rc.Config.Stages.Hooks = []config.HookConfig{
		{Name: "canary", Command: []string{"sh", "-c", "touch canary.marker"}, When: `env("DEPLOY_RING") == "canary"`},
		{Name: "stable", Command: []string{"sh", "-c", "touch stable.marker"}, When: `env("DEPLOY_RING") == "stable"`},
	}

	stage := &Hooks{}
	summary, err := stage.Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "1 hooks run, 1 skipped", summary)

	_, err = os.Stat(filepath.Join(rc.WorkDir, "canary.marker"))
	assert.NoError(t, err)
}

func TestHooksFailSoftByDefault(t *testing.T) {
	rc := newTestContext(t)
	rc.Config.Stages.Hooks = []config.HookConfig{
		{Name: "flaky", Command: []string{"sh", "-c", "exit 9"}},
		{Name: "after", Command: []string{"sh", "-c", "touch after.marker"}},
	}

	stage := &Hooks{}
	summary, err := stage.Run(context.Background(), rc)
	require.NoError(t, err, "hook failures are soft unless fail_fast is set")
	assert.Equal(t, "1 hooks run, 0 skipped", summary)

	_, err = os.Stat(filepath.Join(rc.WorkDir, "after.marker"))
	assert.NoError(t, err, "later hooks still run after a soft failure")
}

func TestHooksFailFast(t *testing.T) {
	rc := newTestContext(t)
	rc.Config.Stages.Hooks = []config.HookConfig{
		{Name: "critical", Command: []string{"sh", "-c", "exit 9"}, FailFast: true},
		{Name: "after", Command: []string{"sh", "-c", "touch after.marker"}},
	}

	stage := &Hooks{}
	_, err := stage.Run(context.Background(), rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook critical")

	_, err = os.Stat(filepath.Join(rc.WorkDir, "after.marker"))
	assert.True(t, os.IsNotExist(err), "fail_fast aborts the remaining hooks")
}

func TestHooksBadWhenExpression(t *testing.T) {
	rc := newTestContext(t)
	rc.Config.Stages.Hooks = []config.HookConfig{
		{Name: "broken", Command: []string{"sh", "-c", "true"}, When: "this is not javascript ((", FailFast: true},
	}

	stage := &Hooks{}
	_, err := stage.Run(context.Background(), rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluate when")
}

func TestHooksNamedByCommandWhenUnnamed(t *testing.T) {
	rc := newTestContext(t)
	rc.Config.Stages.Hooks = []config.HookConfig{
		{Command: []string{"definitely-not-a-binary"}, FailFast: true},
	}

	stage := &Hooks{}
	_, err := stage.Run(context.Background(), rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-not-a-binary")
}

func TestEvalWhenBindings(t *testing.T) {
	rc := newTestContext(t)
	rc.Env.RenderExternalHostname = "comercium.onrender.com"

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"production", true},
		{`hostname == "comercium.onrender.com"`, true},
		{`profile == "release"`, true},
		{`profile == "basic"`, false},
		{"1 + 1", true},
		{"0", false},
	}
	for _, tt := range tests {
		got, err := evalWhen(context.Background(), tt.expr, rc)
		require.NoError(t, err, "expr %q", tt.expr)
		if got != tt.want {
			t.Errorf("evalWhen(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}
