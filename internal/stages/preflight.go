package stages

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/comercium/deployctl/internal/executil"
	"github.com/comercium/deployctl/internal/pipeline"
)

// Preflight verifies the host can actually carry a deploy before any work
// starts: required production variables set, enough disk for the virtualenv
// and collected assets, pip itself resolvable, and the database accepting
// connections. Available memory is reported but never gates the run.
type Preflight struct{}

func (*Preflight) Name() string { return "preflight" }

func (s *Preflight) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	cfg := rc.Config.Stages.Preflight

	// The application refuses to boot in production without SECRET_KEY, and
	// an unset DATABASE_URL would deploy onto ephemeral SQLite.
	if rc.Env.Production() {
		if rc.Env.SecretKey == "" {
			return "", fmt.Errorf("SECRET_KEY must be set in production")
		}
		if rc.Env.DatabaseURL == "" {
			return "", fmt.Errorf("DATABASE_URL must be set in production")
		}
	}

	dir := rc.WorkDir
	if dir == "" {
		dir = "."
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("read disk usage: %w", err)
	}
	freeMB := usage.Free / (1 << 20)
	if freeMB < cfg.MinDiskMB {
		return "", fmt.Errorf("insufficient disk: %dMB free, need %dMB", freeMB, cfg.MinDiskMB)
	}

	// Memory is reported only, never gated.
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("read memory stats: %w", err)
	}
	availMB := vm.Available / (1 << 20)
	rc.Log.Info("host memory", "available_mb", availMB, "used_percent", fmt.Sprintf("%.1f", vm.UsedPercent))
	if availMB < cfg.MinMemoryMB {
		rc.Log.Warn("memory below configured threshold", "available_mb", availMB, "min_mb", cfg.MinMemoryMB)
		rc.Console.Warning(fmt.Sprintf("low memory: %dMB available, %dMB recommended", availMB, cfg.MinMemoryMB))
	}

	pip := rc.Config.Stages.Deps.Pip
	if !executil.Available(pip) {
		return "", fmt.Errorf("%s not found in PATH", pip)
	}

	if _, err := rc.DB(ctx); err != nil {
		return "", fmt.Errorf("database check: %w", err)
	}

	return fmt.Sprintf("disk %dMB free, memory %dMB available, %s present, database reachable",
		freeMB, availMB, pip), nil
}
