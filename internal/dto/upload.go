package dto

import "github.com/airhealthmap/airhealth-api/internal/models"

// SelectFilesRequest carries the multipart form metadata for file intake.
type SelectFilesRequest struct {
	Domain  models.Domain `form:"domain" json:"domain"`
	Country string        `form:"country" json:"country"`
}

// RejectedFile names a file that failed a local acceptance check and why.
type RejectedFile struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// SelectionResult reports per-file intake outcomes. Accepted files carry
// their preview lines; rejected files never enter the workflow.
type SelectionResult struct {
	Accepted []models.StagedFile `json:"accepted"`
	Rejected []RejectedFile      `json:"rejected"`
}

// ValidationOutcome is the per-file result of a validate pass.
type ValidationOutcome struct {
	FileID   string                    `json:"file_id"`
	Filename string                    `json:"filename"`
	State    models.FileState          `json:"state"`
	Result   *models.ValidationSession `json:"result,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// ConfirmRequest authorises the commit of previously validated rows.
// The token is the sole reference to the uploaded bytes.
type ConfirmRequest struct {
	Token string `json:"token" binding:"required"`
}

// ConfirmResult reports a committed upload.
type ConfirmResult struct {
	Token        string `json:"token"`
	Filename     string `json:"filename"`
	RowsImported int    `json:"rows_imported"`
	RowsSkipped  int    `json:"rows_skipped"`
	BatchID      string `json:"batch_id,omitempty"`
}

// DuplicatePage is one page of duplicate-row natural keys for a token.
type DuplicatePage struct {
	Items []models.DuplicateKey `json:"items"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
}

// UploadFilter captures query parameters for listing upload batches.
type UploadFilter struct {
	Domain   models.Domain
	Status   models.UploadStatus
	Page     int
	PageSize int
}
