package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/comercium/deployctl/internal/executil"
	"github.com/comercium/deployctl/internal/pipeline"
)

// Deps installs the application's Python dependencies with pip. A failure
// here is fatal: deploying without dependencies would take the site down
// harder than aborting the build does.
type Deps struct{}

func (*Deps) Name() string { return "deps" }

func (s *Deps) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	cfg := rc.Config.Stages.Deps

	if !executil.Available(cfg.Pip) {
		return "", fmt.Errorf("%s not found in PATH", cfg.Pip)
	}

	reqPath := cfg.Requirements
	if !filepath.IsAbs(reqPath) {
		reqPath = filepath.Join(rc.WorkDir, reqPath)
	}
	if _, err := os.Stat(reqPath); err != nil {
		return "", fmt.Errorf("requirements file %s: %w", cfg.Requirements, err)
	}

	onLine := func(line string) { rc.Console.Printf("%s", line) }

	if cfg.UpgradePip {
		if _, err := executil.Run(ctx, executil.Spec{
			Name:   cfg.Pip,
			Args:   []string{"install", "--upgrade", "pip"},
			Dir:    rc.WorkDir,
			OnLine: onLine,
		}); err != nil {
			return "", fmt.Errorf("upgrade pip: %w", err)
		}
	}

	if _, err := executil.Run(ctx, executil.Spec{
		Name:   cfg.Pip,
		Args:   []string{"install", "-r", reqPath},
		Dir:    rc.WorkDir,
		OnLine: onLine,
	}); err != nil {
		return "", err
	}

	if len(cfg.Verify) > 0 {
		installed, err := installedPackages(ctx, cfg.Pip, rc.WorkDir)
		if err != nil {
			return "", err
		}
		var missing []string
		for _, want := range cfg.Verify {
			if !installed[normalizePackage(want)] {
				missing = append(missing, want)
			}
		}
		if len(missing) > 0 {
			return "", fmt.Errorf("packages missing after install: %s", strings.Join(missing, ", "))
		}
		return fmt.Sprintf("requirements installed, %d packages verified", len(cfg.Verify)), nil
	}

	return "requirements installed", nil
}

// installedPackages parses `pip list --format=json` into a set of normalized
// package names.
func installedPackages(ctx context.Context, pip, dir string) (map[string]bool, error) {
	res, err := executil.Run(ctx, executil.Spec{
		Name: pip,
		Args: []string{"list", "--format=json"},
		Dir:  dir,
	})
	if err != nil {
		return nil, fmt.Errorf("pip list: %w", err)
	}

	out := res.Tail()
	if !gjson.Valid(out) {
		return nil, fmt.Errorf("pip list returned invalid JSON")
	}

	installed := make(map[string]bool)
	for _, item := range gjson.Parse(out).Array() {
		installed[normalizePackage(item.Get("name").String())] = true
	}
	return installed, nil
}

// normalizePackage applies PEP 503 name normalization so Django matches
// django and sentry_sdk matches sentry-sdk.
func normalizePackage(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", "-"))
}
