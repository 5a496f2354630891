package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/cdr-ingest/internal/api/dto"
	"github.com/cuongbtq/cdr-ingest/internal/identifier"
	"github.com/cuongbtq/cdr-ingest/internal/ingest"
	"github.com/gin-gonic/gin"
)

// SearchHandler answers lookups over uploaded tables
type SearchHandler struct {
	logger        *slog.Logger
	data          DataStore
	phones        *identifier.PhoneNormalizer
	defaultSchema string
}

// NewSearchHandler creates a new SearchHandler instance
func NewSearchHandler(deps *Dependencies) *SearchHandler {
	phones := deps.Phones
	if phones == nil {
		phones = identifier.NewPhoneNormalizer("", 0)
	}
	return &SearchHandler{
		logger:        deps.Logger,
		data:          deps.Data,
		phones:        phones,
		defaultSchema: deps.DefaultSchema,
	}
}

// Search handles GET /api/v1/search
// Matches every textual variant of a phone number against one column
func (h *SearchHandler) Search(c *gin.Context) {
	var req dto.SearchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "table, column and phone are required",
		})
		return
	}

	variants := h.phones.Variants(req.Phone)
	if len(variants) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "phone is empty",
		})
		return
	}

	ref := ingest.ParseTableRef(req.Table, h.defaultSchema)
	rows, err := h.data.SearchRows(c.Request.Context(), ref, req.Column, variants, req.Limit)
	if err != nil {
		respondError(c, h.logger, "Search failed", err)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	c.JSON(http.StatusOK, dto.SearchResponse{
		Table:    ref.String(),
		Variants: variants,
		Rows:     rows,
	})
}

// ListTables handles GET /api/v1/tables
// Lists the tables created by uploads
func (h *SearchHandler) ListTables(c *gin.Context) {
	entries, err := h.data.ListCatalog(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to list tables", err)
		return
	}

	c.JSON(http.StatusOK, dto.ListTablesResponse{Tables: entries})
}
