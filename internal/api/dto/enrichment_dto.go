package dto

type CreateEnrichmentRequest struct {
	FilePath string `json:"file_path" binding:"required"`
}

type CreateEnrichmentResponse struct {
	Job JobDTO `json:"job"`
}
