// Package stages implements the deploy pipeline stages: preflight checks,
// cache cleanup, dependency installation, schema migration, site
// provisioning, static asset collection, superuser provisioning and
// post-deploy hooks.
//
// Stage failure policy follows the release scripts this tool replaced: cache
// cleanup and superuser provisioning never break a deploy, everything else
// does.
package stages

import (
	"fmt"

	"github.com/comercium/deployctl/internal/pipeline"
)

// ForNames maps resolved profile stage names to runnable steps.
func ForNames(names []string) ([]pipeline.Step, error) {
	steps := make([]pipeline.Step, 0, len(names))
	for _, name := range names {
		step, ok := byName(name)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func byName(name string) (pipeline.Step, bool) {
	switch name {
	case "preflight":
		return pipeline.Step{Stage: &Preflight{}}, true
	case "cache":
		return pipeline.Step{Stage: &Cache{}, NonFatal: true}, true
	case "deps":
		return pipeline.Step{Stage: &Deps{}}, true
	case "migrate":
		return pipeline.Step{Stage: &Migrate{}}, true
	case "site":
		return pipeline.Step{Stage: &Site{}}, true
	case "static":
		return pipeline.Step{Stage: &Static{}}, true
	case "superuser":
		return pipeline.Step{Stage: &Superuser{}, NonFatal: true}, true
	case "hooks":
		return pipeline.Step{Stage: &Hooks{}}, true
	}
	return pipeline.Step{}, false
}
