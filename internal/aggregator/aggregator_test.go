package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
)

// stubClient implements portal.Client with canned answers and optional
// latency, for exercising fan-out behavior without HTTP.
type stubClient struct {
	datasets []portal.Dataset
	// allDatasets is what exhaustive pagination yields when it differs from
	// the single page in datasets.
	allDatasets []portal.Dataset
	orgs        []portal.Organization
	tags        []portal.Tag
	err         error
	delay       time.Duration
}

func (s *stubClient) Search(ctx context.Context, opts portal.SearchOptions) (*portal.SearchResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &portal.SearchResult{Total: len(s.datasets), Datasets: s.datasets}, nil
}

func (s *stubClient) SearchAll(ctx context.Context, opts portal.SearchOptions) ([]portal.Dataset, error) {
	if s.allDatasets != nil {
		return s.allDatasets, nil
	}
	res, err := s.Search(ctx, opts)
	if err != nil {
		return nil, err
	}
	return res.Datasets, nil
}

func (s *stubClient) GetDataset(ctx context.Context, id string) (*portal.Dataset, error) {
	return nil, &portal.NotFoundError{Kind: "dataset", ID: id}
}

func (s *stubClient) GetResource(ctx context.Context, id string) (*portal.Resource, error) {
	return nil, &portal.NotFoundError{Kind: "resource", ID: id}
}

func (s *stubClient) QueryStructuredData(ctx context.Context, resourceID string, pageSize int) ([]portal.Record, error) {
	return nil, errors.New("not implemented")
}

func (s *stubClient) ListOrganizations(ctx context.Context) ([]portal.Organization, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.orgs, nil
}

func (s *stubClient) ListTags(ctx context.Context, query string) ([]portal.Tag, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tags, nil
}

func (s *stubClient) Close() error { return nil }

func newStubRegistry(clients map[string]*stubClient, order ...string) *portal.Registry {
	configs := make([]portal.Config, len(order))
	for i, id := range order {
		configs[i] = portal.Config{ID: id, Type: portal.TypeCKAN}
	}
	return portal.NewRegistry(configs, func(cfg portal.Config) (portal.Client, error) {
		return clients[cfg.ID], nil
	})
}

func ds(id, title string) portal.Dataset {
	return portal.Dataset{ID: id, Title: title, Tags: []string{}, Resources: []portal.Resource{}}
}

func TestSearchMergesInRegistryOrder(t *testing.T) {
	registry := newStubRegistry(map[string]*stubClient{
		"ontario": {datasets: []portal.Dataset{ds("a", "A"), ds("b", "B")}},
		"toronto": {datasets: []portal.Dataset{ds("c", "C")}},
		"ottawa":  {datasets: []portal.Dataset{ds("d", "D")}},
	}, "ontario", "toronto", "ottawa")

	agg := New(registry, time.Second, logger.NewNop())
	result, err := agg.Search(context.Background(), portal.SearchOptions{})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Total)
	assert.Empty(t, result.Errors)

	ids := make([]string, len(result.Datasets))
	for i, d := range result.Datasets {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"ontario:a", "ontario:b", "toronto:c", "ottawa:d"}, ids)
}

func TestSearchAllReturnsEveryPage(t *testing.T) {
	registry := newStubRegistry(map[string]*stubClient{
		"ontario": {
			datasets:    []portal.Dataset{ds("a", "A")},
			allDatasets: []portal.Dataset{ds("a", "A"), ds("b", "B"), ds("c", "C")},
		},
		"toronto": {datasets: []portal.Dataset{ds("d", "D")}},
	}, "ontario", "toronto")

	agg := New(registry, time.Second, logger.NewNop())
	result, err := agg.SearchAll(context.Background(), portal.SearchOptions{})
	require.NoError(t, err)

	// All of ontario's pages arrive, not just the first.
	ids := make([]string, len(result.Datasets))
	for i, d := range result.Datasets {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"ontario:a", "ontario:b", "ontario:c", "toronto:d"}, ids)
	assert.Equal(t, len(result.Datasets), result.Total)
}

func TestSearchToleratesOneSlowPortal(t *testing.T) {
	registry := newStubRegistry(map[string]*stubClient{
		"ontario": {datasets: []portal.Dataset{ds("a", "A")}},
		"toronto": {datasets: []portal.Dataset{ds("b", "B")}},
		"ottawa":  {datasets: []portal.Dataset{ds("c", "C")}, delay: 5 * time.Second},
	}, "ontario", "toronto", "ottawa")

	agg := New(registry, 100*time.Millisecond, logger.NewNop())
	result, err := agg.Search(context.Background(), portal.SearchOptions{})
	require.NoError(t, err)

	assert.Len(t, result.Datasets, 2)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "ottawa", result.Errors[0].Portal)
	assert.ErrorIs(t, result.Errors[0].Err, context.DeadlineExceeded)
}

func TestSearchFailsWhenEveryPortalFails(t *testing.T) {
	registry := newStubRegistry(map[string]*stubClient{
		"ontario": {err: errors.New("boom")},
		"toronto": {err: errors.New("bang")},
	}, "ontario", "toronto")

	agg := New(registry, time.Second, logger.NewNop())
	_, err := agg.Search(context.Background(), portal.SearchOptions{})
	require.Error(t, err)

	// The aggregate error names each portal's reason.
	assert.Contains(t, err.Error(), "ontario")
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "toronto")
	assert.Contains(t, err.Error(), "bang")
}

func TestSearchSubsetOfPortals(t *testing.T) {
	registry := newStubRegistry(map[string]*stubClient{
		"ontario": {datasets: []portal.Dataset{ds("a", "A")}},
		"toronto": {datasets: []portal.Dataset{ds("b", "B")}},
	}, "ontario", "toronto")

	agg := New(registry, time.Second, logger.NewNop())
	result, err := agg.Search(context.Background(), portal.SearchOptions{}, "toronto")
	require.NoError(t, err)

	require.Len(t, result.Datasets, 1)
	assert.Equal(t, "toronto:b", result.Datasets[0].ID)
}

func TestSearchUnknownPortal(t *testing.T) {
	registry := newStubRegistry(map[string]*stubClient{
		"ontario": {datasets: []portal.Dataset{ds("a", "A")}},
	}, "ontario")

	agg := New(registry, time.Second, logger.NewNop())
	result, err := agg.Search(context.Background(), portal.SearchOptions{}, "ontario", "atlantis")
	require.NoError(t, err)

	assert.Len(t, result.Datasets, 1)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "atlantis", result.Errors[0].Portal)
}

func TestOrganizationsGroupedByPortal(t *testing.T) {
	registry := newStubRegistry(map[string]*stubClient{
		"ontario": {orgs: []portal.Organization{{Name: "environment"}, {Name: "health"}}},
		"ottawa":  {orgs: []portal.Organization{{Name: "ottawa"}}},
	}, "ontario", "ottawa")

	agg := New(registry, time.Second, logger.NewNop())
	result, err := agg.Organizations(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Portals, 2)
	assert.Equal(t, "ontario", result.Portals[0].Portal)
	assert.Len(t, result.Portals[0].Organizations, 2)
	assert.Equal(t, "ottawa", result.Portals[1].Portal)
}

func TestTagsDeduplicated(t *testing.T) {
	registry := newStubRegistry(map[string]*stubClient{
		"ontario": {tags: []portal.Tag{{Name: "water", Count: 10}, {Name: "parks"}}},
		"toronto": {tags: []portal.Tag{{Name: "water", Count: 3}, {Name: "transit"}}},
		"ottawa":  {tags: []portal.Tag{}},
	}, "ontario", "toronto", "ottawa")

	agg := New(registry, time.Second, logger.NewNop())
	result, err := agg.Tags(context.Background(), "")
	require.NoError(t, err)

	names := make([]string, len(result.Tags))
	for i, tag := range result.Tags {
		names[i] = tag.Name
	}
	assert.Equal(t, []string{"water", "parks", "transit"}, names)
	// First portal's count wins for duplicates.
	assert.Equal(t, 10, result.Tags[0].Count)
}
