package stages

import (
	"context"
	"fmt"

	"github.com/comercium/deployctl/internal/django"
	"github.com/comercium/deployctl/internal/pipeline"
)

// SiteID is fixed by the application settings.
const SiteID = 1

// Site points the django_site row at the deployment's public hostname, so
// allauth OAuth callbacks and absolute URLs resolve correctly. On Render the
// hostname comes from RENDER_EXTERNAL_HOSTNAME; local runs get the
// development default.
type Site struct{}

func (*Site) Name() string { return "site" }

func (s *Site) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	domain, name := siteFor(rc.Env.RenderExternalHostname)

	db, err := rc.DB(ctx)
	if err != nil {
		return "", err
	}

	created, err := django.EnsureSite(ctx, db, SiteID, domain, name)
	if err != nil {
		return "", err
	}

	action := "updated"
	if created {
		action = "created"
	}
	return fmt.Sprintf("site %s: %s (%s)", action, domain, name), nil
}

func siteFor(externalHostname string) (domain, name string) {
	if externalHostname != "" {
		return externalHostname, "Comercium"
	}
	return "127.0.0.1:8000", "Comercium Local"
}
