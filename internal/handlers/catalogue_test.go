package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/godata/internal/cache"
	"github.com/jonesrussell/godata/internal/download"
	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
)

func TestWriteErrorStatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "not found error",
			err:  &portal.NotFoundError{Kind: "dataset", ID: "missing"},
			want: http.StatusNotFound,
		},
		{
			name: "wrapped not found sentinel",
			err:  errors.Join(errors.New("lookup"), portal.ErrNotFound),
			want: http.StatusNotFound,
		},
		{
			name: "not cached",
			err:  cache.ErrNotCached,
			want: http.StatusNotFound,
		},
		{
			name: "unsupported operation",
			err:  &portal.UnsupportedOperationError{Portal: "ottawa", Op: "remote SQL"},
			want: http.StatusNotImplemented,
		},
		{
			name: "invalid query",
			err:  &cache.InvalidQueryError{Query: "DROP TABLE x", Reason: "only SELECT statements are allowed"},
			want: http.StatusBadRequest,
		},
		{
			name: "unsupported format",
			err:  &download.UnsupportedFormatError{Format: "PDF"},
			want: http.StatusUnsupportedMediaType,
		},
		{
			name: "portal api error",
			err:  &portal.APIError{Portal: "ontario", Action: "package_search", Message: "boom"},
			want: http.StatusBadGateway,
		},
		{
			name: "unclassified error",
			err:  errors.New("disk on fire"),
			want: http.StatusInternalServerError,
		},
	}

	h := NewCatalogueHandler(nil, logger.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)

			h.writeError(c, "request failed", tt.err)

			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
		})
	}
}

func TestWriteErrorUnsupportedIncludesSuggestion(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := NewCatalogueHandler(nil, logger.NewNop())
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	h.writeError(c, "remote query failed", &portal.UnsupportedOperationError{
		Portal:     "ottawa",
		Op:         "remote SQL",
		Suggestion: "download the resource first, then query the local cache",
	})

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, rec.Body.String(), "download the resource first")
	assert.Contains(t, rec.Body.String(), "ottawa")
}

func TestIntQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		rawQuery string
		fallback int
		want     int
	}{
		{"present", "rows=25", 10, 25},
		{"absent", "", 10, 10},
		{"not a number", "rows=lots", 10, 10},
		{"negative rejected", "rows=-5", 10, 10},
		{"zero allowed", "rows=0", 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.rawQuery, nil)

			assert.Equal(t, tt.want, intQuery(c, "rows", tt.fallback))
		})
	}
}
