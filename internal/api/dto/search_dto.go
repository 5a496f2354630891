package dto

import "github.com/cuongbtq/cdr-ingest/internal/storage"

type SearchRequest struct {
	Table  string `form:"table" binding:"required"`
	Column string `form:"column" binding:"required"`
	Phone  string `form:"phone" binding:"required"`
	Limit  int    `form:"limit"`
}

type SearchResponse struct {
	Table    string           `json:"table"`
	Variants []string         `json:"variants"`
	Rows     []map[string]any `json:"rows"`
}

type ListTablesResponse struct {
	Tables []storage.CatalogEntry `json:"tables"`
}
