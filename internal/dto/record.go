package dto

import "github.com/airhealthmap/airhealth-api/internal/models"

// CreateRecordRequest is the manual single-record entry form. All values
// arrive as strings, exactly as the form submits them; the record service
// owns trimming, numeric parsing and range checks.
type CreateRecordRequest struct {
	Domain    models.Domain `json:"domain"`
	Measure   string        `json:"measure"`
	Location  string        `json:"location"`
	Sex       string        `json:"sex"`
	Age       string        `json:"age"`
	Cause     string        `json:"cause"`
	Pollutant string        `json:"pollutant"`
	Metric    string        `json:"metric"`
	Year      string        `json:"year"`
	Value     string        `json:"value"`
	Upper     string        `json:"upper"`
	Lower     string        `json:"lower"`
}

// UpdateRecordRequest patches mutable fields of an existing record.
type UpdateRecordRequest struct {
	Value *float64 `json:"value,omitempty"`
	Upper *float64 `json:"upper,omitempty"`
	Lower *float64 `json:"lower,omitempty"`
	Year  *int     `json:"year,omitempty"`
}

// RecordFilter captures query parameters for listing records.
type RecordFilter struct {
	Domain   models.Domain
	Country  string
	Year     int
	Page     int
	PageSize int
}
