package portal

import "context"

// Client is the capability set every portal variant implements.
// Implementations are safe for concurrent use and live for the process
// lifetime once constructed by the Registry.
type Client interface {
	// Search returns one page of catalogue search results in
	// provider-native order.
	Search(ctx context.Context, opts SearchOptions) (*SearchResult, error)

	// SearchAll paginates through every matching dataset. Results are
	// de-duplicated by dataset id; provider order is preserved.
	SearchAll(ctx context.Context, opts SearchOptions) ([]Dataset, error)

	// GetDataset returns full metadata for one dataset.
	// Returns a NotFoundError when the remote reports no such id.
	GetDataset(ctx context.Context, id string) (*Dataset, error)

	// GetResource returns metadata for a single resource.
	GetResource(ctx context.Context, id string) (*Resource, error)

	// QueryStructuredData retrieves all rows of a datastore-backed resource
	// through paginated server-side query. Returns an
	// UnsupportedOperationError for portals without that capability.
	QueryStructuredData(ctx context.Context, resourceID string, pageSize int) ([]Record, error)

	// ListOrganizations lists publishers, best effort. Variants with no
	// native endpoint return a synthetic result rather than failing.
	ListOrganizations(ctx context.Context) ([]Organization, error)

	// ListTags lists catalogue topics, best effort. Variants with no native
	// endpoint return an empty slice rather than failing.
	ListTags(ctx context.Context, query string) ([]Tag, error)

	// Close releases per-client resources. Safe to call multiple times.
	Close() error
}
