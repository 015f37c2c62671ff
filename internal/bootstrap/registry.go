package bootstrap

import (
	"fmt"

	"github.com/jonesrussell/godata/internal/config"
	"github.com/jonesrussell/godata/internal/httpclient"
	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
	"github.com/jonesrussell/godata/internal/portal/arcgis"
	"github.com/jonesrussell/godata/internal/portal/ckan"
	"github.com/jonesrussell/godata/internal/retry"
)

// BuildRegistry maps the configured portals to a registry whose factory
// constructs the right client variant per portal type. All clients share
// one tuned HTTP transport.
func BuildRegistry(cfg *config.Config, log logger.Logger) (*portal.Registry, error) {
	httpClient := httpclient.New(httpclient.Config{Timeout: cfg.HTTP.Timeout})

	retryCfg := retry.DefaultConfig()
	if cfg.HTTP.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.HTTP.MaxRetries + 1
	}
	if cfg.HTTP.RetryBaseDelay > 0 {
		retryCfg.InitialDelay = cfg.HTTP.RetryBaseDelay
	}

	configs := make([]portal.Config, len(cfg.Portals))
	for i, p := range cfg.Portals {
		configs[i] = portal.Config{
			ID:          p.ID,
			Type:        portal.Type(p.Type),
			BaseURL:     p.BaseURL,
			Name:        p.Name,
			License:     p.License,
			OrgName:     p.OrgName,
			OrgTitle:    p.OrgTitle,
			Description: p.Description,
		}
	}

	factory := func(pc portal.Config) (portal.Client, error) {
		switch pc.Type {
		case portal.TypeCKAN:
			return ckan.New(pc, ckan.Options{
				HTTPClient: httpClient,
				Retry:      retryCfg,
				RateLimit:  cfg.HTTP.RateLimit,
				Logger:     log,
			}), nil
		case portal.TypeArcGISHub:
			return arcgis.New(pc, arcgis.Options{
				HTTPClient: httpClient,
				Retry:      retryCfg,
				RateLimit:  cfg.HTTP.RateLimit,
				Logger:     log,
			}), nil
		default:
			return nil, fmt.Errorf("unknown portal type %q for portal %q", pc.Type, pc.ID)
		}
	}

	return portal.NewRegistry(configs, factory), nil
}
