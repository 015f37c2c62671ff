// Package portal defines the canonical dataset model, the polymorphic portal
// client contract and the registry that resolves configured portals to
// lazily constructed clients.
package portal

import (
	"fmt"
	"strings"
	"sync"
)

// Type tags the protocol variant a portal speaks.
type Type string

const (
	// TypeCKAN marks a CKAN Action API portal.
	TypeCKAN Type = "ckan"
	// TypeArcGISHub marks an ArcGIS Hub portal.
	TypeArcGISHub Type = "arcgis_hub"
)

// Config describes one configured portal. Immutable after startup.
type Config struct {
	ID          string
	Type        Type
	BaseURL     string
	Name        string
	License     string
	OrgName     string
	OrgTitle    string
	Description string
}

// Factory constructs a client for a portal config.
// Injected by the bootstrap layer so the registry stays variant-agnostic.
type Factory func(cfg Config) (Client, error)

// Registry maps portal ids to lazily constructed clients. Construction
// happens once per portal per process; clients are shared and closed
// together at shutdown. Configured order is preserved for deterministic
// fan-out merging.
type Registry struct {
	configs []Config
	byID    map[string]Config
	factory Factory

	mu      sync.Mutex
	clients map[string]Client
}

// NewRegistry creates a registry over the configured portals.
func NewRegistry(configs []Config, factory Factory) *Registry {
	byID := make(map[string]Config, len(configs))
	for _, c := range configs {
		byID[c.ID] = c
	}
	return &Registry{
		configs: configs,
		byID:    byID,
		factory: factory,
		clients: make(map[string]Client),
	}
}

// Configs returns the portal configurations in configured order.
func (r *Registry) Configs() []Config {
	return r.configs
}

// Config returns the configuration for one portal.
func (r *Registry) Config(id string) (Config, error) {
	cfg, ok := r.byID[id]
	if !ok {
		return Config{}, fmt.Errorf("unknown portal %q (configured: %s)", id, strings.Join(r.IDs(), ", "))
	}
	return cfg, nil
}

// IDs returns the configured portal ids in order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.configs))
	for i, c := range r.configs {
		ids[i] = c.ID
	}
	return ids
}

// Client resolves the client for a portal, constructing it on first use.
func (r *Registry) Client(id string) (Client, error) {
	cfg, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown portal %q (configured: %s)", id, strings.Join(r.IDs(), ", "))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, exists := r.clients[id]; exists {
		return c, nil
	}

	c, err := r.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("construct client for portal %q: %w", id, err)
	}
	r.clients[id] = c
	return c, nil
}

// Close closes every constructed client. Safe to call multiple times.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, c := range r.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close client %q: %w", id, err)
		}
		delete(r.clients, id)
	}
	return firstErr
}

// QualifiedID builds the system-wide unique id for a portal-local id.
func QualifiedID(portalID, id string) string {
	return portalID + ":" + id
}

// SplitQualifiedID splits "portal:id" into its parts. When the prefix is not
// a known portal the whole string is returned as the bare id.
func SplitQualifiedID(qualified string, known func(string) bool) (portalID, id string) {
	if prefix, rest, ok := strings.Cut(qualified, ":"); ok && known(prefix) {
		return prefix, rest
	}
	return "", qualified
}
