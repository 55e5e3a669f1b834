package models

import "time"

// Domain identifies which dataset category a record or upload belongs to.
type Domain string

const (
	DomainHealth    Domain = "health"
	DomainPollution Domain = "pollution"
)

// ValidDomain reports whether the value is a known dataset domain.
func ValidDomain(d Domain) bool {
	return d == DomainHealth || d == DomainPollution
}

// UploadStatus is owned by the remote data API; the gateway only displays it.
type UploadStatus string

const (
	UploadReceived  UploadStatus = "received"
	UploadProcessed UploadStatus = "processed"
	UploadFailed    UploadStatus = "failed"
)

// UploadBatch is one ingestion event as reported by the data API.
type UploadBatch struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	Domain         Domain       `json:"domain"`
	Collection     string       `json:"collection"`
	ReferenceID    string       `json:"reference_id"`
	Country        string       `json:"country"`
	RowCount       int          `json:"row_count"`
	Status         UploadStatus `json:"status"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ValidationToken is the opaque, short-lived proof that a file's contents
// were already validated. It authorises exactly one confirm and is carried
// only by reference, never re-serialized with the file content.
type ValidationToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token's TTL hint has elapsed. Expired tokens
// are re-queued for validation and blocked from duplicate paging; an expired
// confirm still simply fails upstream.
func (t ValidationToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// DuplicateKey is the natural-key tuple identifying a row the data API
// considers already present. It is a sample identifier, not a full row.
type DuplicateKey struct {
	MeasureID  string `json:"measure_id"`
	LocationID string `json:"location_id"`
	SexID      string `json:"sex_id"`
	AgeID      string `json:"age_id"`
	CauseID    string `json:"cause_id,omitempty"`
	MetricID   string `json:"metric_id"`
	Year       int    `json:"year"`
}

// FileState tracks a staged file through the upload workflow.
type FileState string

const (
	FileSelected      FileState = "selected"
	FilePreviewed     FileState = "previewed"
	FileValidating    FileState = "validating"
	FileValidated     FileState = "validated"
	FileConfirming    FileState = "confirming"
	FileCommitted     FileState = "committed"
	FileConfirmFailed FileState = "confirm_failed"
)

// ValidationSession is the outcome of a successful validate call for one
// staged file. Invariant: NewRows + DupeRows == TotalRows.
type ValidationSession struct {
	Token       ValidationToken `json:"token"`
	FileID      string          `json:"file_id"`
	Filename    string          `json:"filename"`
	TotalRows   int             `json:"total_rows"`
	NewRows     int             `json:"new_rows"`
	DupeRows    int             `json:"dupe_rows"`
	DupeSamples []DuplicateKey  `json:"dupe_samples"`
	DupeTotal   int             `json:"dupe_total"`
	TTLSeconds  int             `json:"ttl_seconds"`
}

// StagedFile is one file accepted into the workflow. Validation and Error
// are mutually exclusive per transition; Confirming flips true only between
// confirm dispatch and resolution.
type StagedFile struct {
	ID         string             `json:"id"`
	Filename   string             `json:"filename"`
	SizeBytes  int64              `json:"size_bytes"`
	Domain     Domain             `json:"domain"`
	Country    string             `json:"country"`
	StoredName string             `json:"-"`
	Preview    []string           `json:"preview"`
	State      FileState          `json:"state"`
	Validation *ValidationSession `json:"validation,omitempty"`
	Error      string             `json:"error,omitempty"`
	Confirming bool               `json:"confirming"`
	SelectedAt time.Time          `json:"selected_at"`
}
