package dto

import "time"

// CreateExportRequest asks for a report over approved records.
type CreateExportRequest struct {
	Type    string `json:"type"`
	Format  string `json:"format" binding:"required,oneof=csv pdf"`
	OwnerID string `json:"owner_id"`
}

// ExportResult describes a generated report and how to fetch it.
type ExportResult struct {
	ID            string    `json:"id"`
	FileName      string    `json:"file_name"`
	Format        string    `json:"format"`
	RowCount      int       `json:"row_count"`
	DownloadToken string    `json:"download_token"`
	ExpiresAt     time.Time `json:"expires_at"`
}
