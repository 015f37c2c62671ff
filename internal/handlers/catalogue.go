package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/godata/internal/aggregator"
	"github.com/jonesrussell/godata/internal/cache"
	"github.com/jonesrussell/godata/internal/download"
	"github.com/jonesrussell/godata/internal/hub"
	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
)

const defaultPreviewRows = 10

type CatalogueHandler struct {
	hub    *hub.Service
	logger logger.Logger
}

func NewCatalogueHandler(svc *hub.Service, log logger.Logger) *CatalogueHandler {
	return &CatalogueHandler{
		hub:    svc,
		logger: log,
	}
}

// Portals lists the configured portals.
func (h *CatalogueHandler) Portals(c *gin.Context) {
	ids := h.hub.Portals()
	c.JSON(http.StatusOK, gin.H{"portals": ids, "count": len(ids)})
}

// Search queries one portal (?portal=) or all of them. ?all=true paginates
// every target portal to completion instead of returning one page.
func (h *CatalogueHandler) Search(c *gin.Context) {
	opts := portal.SearchOptions{
		Query: c.Query("q"),
		Sort:  c.Query("sort"),
	}
	if filters := c.QueryArray("filter"); len(filters) > 0 {
		opts.Filters = make(map[string]string, len(filters))
		for _, f := range filters {
			if k, v, ok := strings.Cut(f, ":"); ok {
				opts.Filters[k] = v
			}
		}
	}
	opts.Rows = intQuery(c, "rows", 0)
	opts.Start = intQuery(c, "start", 0)

	var portals []string
	if p := c.Query("portal"); p != "" {
		portals = strings.Split(p, ",")
	}

	var (
		result *aggregator.SearchResult
		err    error
	)
	if c.Query("all") == "true" {
		result, err = h.hub.SearchAll(c.Request.Context(), opts, portals...)
	} else {
		result, err = h.hub.Search(c.Request.Context(), opts, portals...)
	}
	if err != nil {
		h.writeError(c, "search failed", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetDataset resolves a qualified dataset id.
func (h *CatalogueHandler) GetDataset(c *gin.Context) {
	id := c.Param("id")

	ds, err := h.hub.Dataset(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "dataset lookup failed", err)
		return
	}

	c.JSON(http.StatusOK, ds)
}

// Organizations lists publishers per portal.
func (h *CatalogueHandler) Organizations(c *gin.Context) {
	result, err := h.hub.Organizations(c.Request.Context())
	if err != nil {
		h.writeError(c, "organization listing failed", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Tags merges tag vocabularies, optionally filtered with ?q=.
func (h *CatalogueHandler) Tags(c *gin.Context) {
	result, err := h.hub.Tags(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.writeError(c, "tag listing failed", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Download caches a resource locally. ?force=true replaces an existing copy.
func (h *CatalogueHandler) Download(c *gin.Context) {
	id := c.Param("id")
	force := c.Query("force") == "true"

	result, err := h.hub.Download(c.Request.Context(), id, force)
	if err != nil {
		h.writeError(c, "download failed", err)
		return
	}

	h.logger.Info("resource download served",
		logger.String("resource_id", id),
		logger.Bool("from_cache", result.FromCache),
	)

	c.JSON(http.StatusOK, result)
}

type queryRequest struct {
	SQL     string `json:"sql" binding:"required"`
	MaxRows int    `json:"max_rows"`
}

// Query runs read-only SQL against the local cache.
func (h *CatalogueHandler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	result, err := h.hub.QueryCached(c.Request.Context(), req.SQL, req.MaxRows)
	if err != nil {
		h.writeError(c, "query failed", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type remoteQueryRequest struct {
	Portal string `json:"portal" binding:"required"`
	SQL    string `json:"sql" binding:"required"`
}

// RemoteQuery runs SQL on a portal's own datastore.
func (h *CatalogueHandler) RemoteQuery(c *gin.Context) {
	var req remoteQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	records, err := h.hub.RemoteQuery(c.Request.Context(), req.Portal, req.SQL)
	if err != nil {
		h.writeError(c, "remote query failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// Cache reports cached resources and aggregate stats.
func (h *CatalogueHandler) Cache(c *gin.Context) {
	info, err := h.hub.Cache(c.Request.Context())
	if err != nil {
		h.writeError(c, "cache inspection failed", err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// EvictResource removes one cached resource. Absent resources succeed.
func (h *CatalogueHandler) EvictResource(c *gin.Context) {
	id := c.Param("id")

	if err := h.hub.Evict(c.Request.Context(), id); err != nil {
		h.writeError(c, "eviction failed", err)
		return
	}

	h.logger.Info("cache entry evicted", logger.String("resource_id", id))
	c.JSON(http.StatusOK, gin.H{"evicted": id})
}

// EvictAll clears the cache.
func (h *CatalogueHandler) EvictAll(c *gin.Context) {
	if err := h.hub.EvictAll(c.Request.Context()); err != nil {
		h.writeError(c, "cache clear failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

// Freshness judges cached copies of a dataset against its update frequency.
func (h *CatalogueHandler) Freshness(c *gin.Context) {
	id := c.Param("id")

	report, err := h.hub.CheckFreshness(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "freshness check failed", err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// Preview returns the first rows of a resource, downloading it if needed.
func (h *CatalogueHandler) Preview(c *gin.Context) {
	id := c.Param("id")
	rows := intQuery(c, "rows", defaultPreviewRows)

	result, err := h.hub.Preview(c.Request.Context(), id, rows)
	if err != nil {
		h.writeError(c, "preview failed", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// writeError maps typed domain errors onto HTTP statuses.
func (h *CatalogueHandler) writeError(c *gin.Context, msg string, err error) {
	var (
		notFound    *portal.NotFoundError
		unsupported *portal.UnsupportedOperationError
		invalid     *cache.InvalidQueryError
		badFormat   *download.UnsupportedFormatError
		apiErr      *portal.APIError
	)

	switch {
	case errors.As(err, &notFound) || errors.Is(err, portal.ErrNotFound) || errors.Is(err, cache.ErrNotCached):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &unsupported):
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":      unsupported.Error(),
			"portal":     unsupported.Portal,
			"suggestion": unsupported.Suggestion,
		})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": invalid.Error()})
	case errors.As(err, &badFormat):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": badFormat.Error()})
	case errors.As(err, &apiErr):
		h.logger.Error(msg, logger.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": apiErr.Error()})
	default:
		h.logger.Error(msg, logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
