package stages

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/comercium/deployctl/internal/executil"
	"github.com/comercium/deployctl/internal/pipeline"
)

// Hooks runs the post-deploy commands configured in deploy.yaml. Each hook
// may carry a `when` expression, evaluated as JavaScript with the deployment
// facts in scope; hooks whose expression is false are skipped. Hooks fail
// soft unless fail_fast is set.
type Hooks struct{}

func (*Hooks) Name() string { return "hooks" }

func (s *Hooks) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	hooks := rc.Config.Stages.Hooks
	if len(hooks) == 0 {
		return "", pipeline.Skip("no hooks configured")
	}

	ran, skipped := 0, 0
	for _, h := range hooks {
		name := h.Name
		if name == "" {
			name = h.Command[0]
		}

		ok, err := evalWhen(ctx, h.When, rc)
		if err != nil {
			if h.FailFast {
				return "", fmt.Errorf("hook %s: evaluate when: %w", name, err)
			}
			rc.Console.Warning(fmt.Sprintf("hook %s: bad when expression: %v", name, err))
			rc.Log.Warn("hook when expression failed", "hook", name, "error", err.Error())
			skipped++
			continue
		}
		if !ok {
			rc.Log.Info("hook skipped by when expression", "hook", name)
			skipped++
			continue
		}

		rc.Console.Printf("running hook %s", name)
		_, err = executil.Run(ctx, executil.Spec{
			Name:   h.Command[0],
			Args:   h.Command[1:],
			Dir:    rc.WorkDir,
			OnLine: func(line string) { rc.Console.Printf("%s", line) },
		})
		if err != nil {
			if h.FailFast {
				return "", fmt.Errorf("hook %s: %w", name, err)
			}
			rc.Console.Warning(fmt.Sprintf("hook %s failed: %v", name, err))
			rc.Log.Warn("hook failed", "hook", name, "error", err.Error())
			continue
		}
		ran++
	}

	return fmt.Sprintf("%d hooks run, %d skipped", ran, skipped), nil
}

// evalWhen evaluates a hook condition. In scope: production (bool), profile
// and hostname (strings), and env(name) for reading arbitrary environment
// variables. An empty expression means "always run".
func evalWhen(ctx context.Context, expr string, rc *pipeline.RunContext) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	vm := goja.New()

	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(time.Second):
			vm.Interrupt("when expression timeout")
		case <-ctx.Done():
			vm.Interrupt("run canceled")
		case <-done:
		}
	}()
	defer close(done)

	if err := vm.Set("production", rc.Env.Production()); err != nil {
		return false, err
	}
	if err := vm.Set("profile", rc.Profile); err != nil {
		return false, err
	}
	if err := vm.Set("hostname", rc.Env.RenderExternalHostname); err != nil {
		return false, err
	}
	if err := vm.Set("env", func(name string) string { return os.Getenv(name) }); err != nil {
		return false, err
	}

	v, err := vm.RunString(expr)
	if err != nil {
		return false, err
	}
	return v.ToBoolean(), nil
}
