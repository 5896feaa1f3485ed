package stages

import (
	"context"
	"fmt"

	"github.com/comercium/deployctl/internal/django"
	"github.com/comercium/deployctl/internal/pipeline"
)

// Superuser provisions the admin account from DJANGO_SUPERUSER_* variables.
// An existing account is left untouched, and a failure never aborts the
// deploy; the site can run without its admin user.
type Superuser struct{}

func (*Superuser) Name() string { return "superuser" }

func (s *Superuser) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	if rc.Env.SuperuserPassword == "" {
		return "", pipeline.Skip("DJANGO_SUPERUSER_PASSWORD not set")
	}

	db, err := rc.DB(ctx)
	if err != nil {
		return "", err
	}

	created, err := django.EnsureUser(ctx, db, django.UserSpec{
		Username:  rc.Env.SuperuserUsername,
		Email:     rc.Env.SuperuserEmail,
		Password:  rc.Env.SuperuserPassword,
		Staff:     true,
		Superuser: true,
	})
	if err != nil {
		return "", err
	}

	if created {
		return fmt.Sprintf("superuser %s created", rc.Env.SuperuserUsername), nil
	}
	return fmt.Sprintf("superuser %s already exists", rc.Env.SuperuserUsername), nil
}
