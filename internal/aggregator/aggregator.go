// Package aggregator fans portal operations out across every configured
// portal concurrently and merges the results in registry order. A slow or
// failing portal degrades the response instead of sinking it; only when
// every portal fails does the caller get an error.
package aggregator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
)

// Aggregator coordinates multi-portal operations.
type Aggregator struct {
	registry *portal.Registry
	timeout  time.Duration
	logger   logger.Logger
}

// New creates an aggregator over the given registry. timeout bounds each
// portal's share of a fan-out independently.
func New(registry *portal.Registry, timeout time.Duration, log logger.Logger) *Aggregator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Aggregator{registry: registry, timeout: timeout, logger: log}
}

// PortalError records one portal's failure during a fan-out.
type PortalError struct {
	Portal  string `json:"portal"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (e *PortalError) Error() string {
	return fmt.Sprintf("portal %q: %v", e.Portal, e.Err)
}

func (e *PortalError) Unwrap() error { return e.Err }

// outcome is one portal's slot in a fan-out, kept in registry order.
type outcome[T any] struct {
	portal string
	value  T
	err    error
}

// fanOut runs op against each target portal concurrently, each under its own
// timeout, and returns the outcomes in registry order. Unknown portal ids
// surface as NotFoundError outcomes rather than aborting the whole call.
func fanOut[T any](
	ctx context.Context,
	a *Aggregator,
	portalIDs []string,
	op func(ctx context.Context, portalID string, client portal.Client) (T, error),
) []outcome[T] {
	if len(portalIDs) == 0 {
		portalIDs = a.registry.IDs()
	}

	outcomes := make([]outcome[T], len(portalIDs))
	var wg sync.WaitGroup

	for i, id := range portalIDs {
		outcomes[i].portal = id

		client, err := a.registry.Client(id)
		if err != nil {
			outcomes[i].err = err
			continue
		}

		wg.Add(1)
		go func(i int, id string, client portal.Client) {
			defer wg.Done()

			opCtx := ctx
			if a.timeout > 0 {
				var cancel context.CancelFunc
				opCtx, cancel = context.WithTimeout(ctx, a.timeout)
				defer cancel()
			}

			start := time.Now()
			value, err := op(opCtx, id, client)
			if err != nil {
				a.logger.Warn("portal operation failed",
					logger.String("portal", id),
					logger.Duration("elapsed", time.Since(start)),
					logger.Error(err))
				outcomes[i].err = err
				return
			}
			outcomes[i].value = value
		}(i, id, client)
	}

	wg.Wait()
	return outcomes
}

// collectErrors splits outcomes into failures, and reports whether at least
// one portal succeeded.
func collectErrors[T any](outcomes []outcome[T]) ([]PortalError, bool) {
	var errs []PortalError
	anyOK := false
	for _, out := range outcomes {
		if out.err != nil {
			errs = append(errs, PortalError{
				Portal:  out.portal,
				Message: out.err.Error(),
				Err:     out.err,
			})
			continue
		}
		anyOK = true
	}
	return errs, anyOK
}

// allFailed builds the aggregate error returned when no portal answered.
func allFailed(op string, errs []PortalError) error {
	parts := make([]string, len(errs))
	for i, pe := range errs {
		parts[i] = pe.Error()
	}
	return fmt.Errorf("%s failed on every portal: %s", op, strings.Join(parts, "; "))
}

// SearchResult is a merged multi-portal search. Dataset ids are qualified
// with their portal so they stay routable.
type SearchResult struct {
	Total    int              `json:"total"`
	Datasets []portal.Dataset `json:"datasets"`
	Errors   []PortalError    `json:"errors,omitempty"`
}

// Search fans a search out to the target portals (all when portalIDs is
// empty) and merges results in registry order with qualified ids. Partial
// failures are reported alongside the merged datasets.
func (a *Aggregator) Search(ctx context.Context, opts portal.SearchOptions, portalIDs ...string) (*SearchResult, error) {
	outcomes := fanOut(ctx, a, portalIDs,
		func(ctx context.Context, portalID string, client portal.Client) (*portal.SearchResult, error) {
			return client.Search(ctx, opts)
		})

	errs, anyOK := collectErrors(outcomes)
	if !anyOK {
		return nil, allFailed("search", errs)
	}

	merged := &SearchResult{Datasets: []portal.Dataset{}, Errors: errs}
	for _, out := range outcomes {
		if out.err != nil || out.value == nil {
			continue
		}
		merged.Total += out.value.Total
		for _, ds := range out.value.Datasets {
			merged.Datasets = append(merged.Datasets, qualifyDataset(out.portal, ds))
		}
	}
	return merged, nil
}

// SearchAll fans an exhaustive search out to the target portals: each
// portal is paginated to completion before merging, so Total always equals
// len(Datasets). Slower than Search on large catalogues; callers opt in.
func (a *Aggregator) SearchAll(ctx context.Context, opts portal.SearchOptions, portalIDs ...string) (*SearchResult, error) {
	outcomes := fanOut(ctx, a, portalIDs,
		func(ctx context.Context, portalID string, client portal.Client) ([]portal.Dataset, error) {
			return client.SearchAll(ctx, opts)
		})

	errs, anyOK := collectErrors(outcomes)
	if !anyOK {
		return nil, allFailed("exhaustive search", errs)
	}

	merged := &SearchResult{Datasets: []portal.Dataset{}, Errors: errs}
	for _, out := range outcomes {
		if out.err != nil {
			continue
		}
		for _, ds := range out.value {
			merged.Datasets = append(merged.Datasets, qualifyDataset(out.portal, ds))
		}
	}
	merged.Total = len(merged.Datasets)
	return merged, nil
}

// PortalOrganizations groups one portal's organizations.
type PortalOrganizations struct {
	Portal        string                `json:"portal"`
	Organizations []portal.Organization `json:"organizations"`
}

// OrganizationsResult is the merged organization listing.
type OrganizationsResult struct {
	Portals []PortalOrganizations `json:"portals"`
	Errors  []PortalError         `json:"errors,omitempty"`
}

// Organizations lists publishing organizations per portal, in registry order.
func (a *Aggregator) Organizations(ctx context.Context, portalIDs ...string) (*OrganizationsResult, error) {
	outcomes := fanOut(ctx, a, portalIDs,
		func(ctx context.Context, portalID string, client portal.Client) ([]portal.Organization, error) {
			return client.ListOrganizations(ctx)
		})

	errs, anyOK := collectErrors(outcomes)
	if !anyOK {
		return nil, allFailed("organization listing", errs)
	}

	result := &OrganizationsResult{Errors: errs}
	for _, out := range outcomes {
		if out.err != nil {
			continue
		}
		orgs := out.value
		if orgs == nil {
			orgs = []portal.Organization{}
		}
		result.Portals = append(result.Portals, PortalOrganizations{
			Portal:        out.portal,
			Organizations: orgs,
		})
	}
	return result, nil
}

// TagsResult is the merged tag vocabulary across portals.
type TagsResult struct {
	Tags   []portal.Tag  `json:"tags"`
	Errors []PortalError `json:"errors,omitempty"`
}

// Tags merges tag vocabularies across portals, de-duplicated by name in
// registry order. Portals without a tag vocabulary contribute nothing.
func (a *Aggregator) Tags(ctx context.Context, query string, portalIDs ...string) (*TagsResult, error) {
	outcomes := fanOut(ctx, a, portalIDs,
		func(ctx context.Context, portalID string, client portal.Client) ([]portal.Tag, error) {
			return client.ListTags(ctx, query)
		})

	errs, anyOK := collectErrors(outcomes)
	if !anyOK {
		return nil, allFailed("tag listing", errs)
	}

	result := &TagsResult{Tags: []portal.Tag{}, Errors: errs}
	seen := make(map[string]struct{})
	for _, out := range outcomes {
		if out.err != nil {
			continue
		}
		for _, tag := range out.value {
			if _, dup := seen[tag.Name]; dup {
				continue
			}
			seen[tag.Name] = struct{}{}
			result.Tags = append(result.Tags, tag)
		}
	}
	return result, nil
}

// qualifyDataset rewrites a dataset's ids into their portal-qualified form.
func qualifyDataset(portalID string, ds portal.Dataset) portal.Dataset {
	ds.ID = portal.QualifiedID(portalID, ds.ID)
	for i := range ds.Resources {
		ds.Resources[i].ID = portal.QualifiedID(portalID, ds.Resources[i].ID)
		ds.Resources[i].DatasetID = ds.ID
	}
	return ds
}
