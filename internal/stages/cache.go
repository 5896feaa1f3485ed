package stages

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/comercium/deployctl/internal/pipeline"
)

// Cache removes stale Python bytecode caches left over from previous builds
// and optionally flushes the Redis cache. Failures here never abort a
// deploy.
type Cache struct{}

func (*Cache) Name() string { return "cache" }

func (s *Cache) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	cfg := rc.Config.Stages.Cache

	removed, err := removeMatches(rc.WorkDir, cfg.Paths)
	if err != nil {
		return "", err
	}

	summary := fmt.Sprintf("removed %d cache entries", removed)
	if removed == 0 {
		summary = "no cache entries found"
	}

	if cfg.FlushRedis {
		if rc.Env.RedisURL == "" {
			rc.Log.Warn("flush_redis enabled but REDIS_URL not set")
		} else {
			if err := flushRedis(ctx, rc.Env.RedisURL); err != nil {
				return "", fmt.Errorf("flush redis: %w", err)
			}
			summary += ", redis flushed"
		}
	}
	return summary, nil
}

// removeMatches deletes filesystem entries whose base name matches one of
// the patterns. Patterns carry an optional **/ prefix meaning "at any
// depth", which is how the cleanup scripts expressed find(1) matches.
func removeMatches(root string, patterns []string) (int, error) {
	basePatterns := make([]string, 0, len(patterns))
	for _, p := range patterns {
		basePatterns = append(basePatterns, strings.TrimPrefix(p, "**/"))
	}

	removed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return fs.SkipDir
		}

		for _, p := range basePatterns {
			ok, matchErr := filepath.Match(p, d.Name())
			if matchErr != nil {
				return fmt.Errorf("bad cache pattern %q: %w", p, matchErr)
			}
			if !ok {
				continue
			}
			if d.IsDir() {
				if err := os.RemoveAll(path); err != nil {
					return err
				}
				removed++
				return fs.SkipDir
			}
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
			break
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("clean caches under %s: %w", root, err)
	}
	return removed, nil
}

func flushRedis(ctx context.Context, rawURL string) error {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opt)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("flushdb: %w", err)
	}
	return nil
}
