package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// UploadRecord is the tagged union of the two dataset row shapes. Every
// display/edit site type-switches over the concrete types; an unknown domain
// is a decode error, never a loose passthrough.
type UploadRecord interface {
	RecordDomain() Domain
	RecordID() string
}

// RecordFields is the common column set shared by both domains.
type RecordFields struct {
	ID        string    `json:"id"`
	Measure   string    `json:"measure"`
	Location  string    `json:"location"`
	Sex       string    `json:"sex"`
	Age       string    `json:"age"`
	Metric    string    `json:"metric"`
	Year      int       `json:"year"`
	Value     float64   `json:"value"`
	Upper     *float64  `json:"upper,omitempty"`
	Lower     *float64  `json:"lower,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRecordFields assembles the shared column set for a new record.
func NewRecordFields(measure, location, sex, age, metric string, year int, value float64, upper, lower *float64) RecordFields {
	return RecordFields{
		Measure:  measure,
		Location: location,
		Sex:      sex,
		Age:      age,
		Metric:   metric,
		Year:     year,
		Value:    value,
		Upper:    upper,
		Lower:    lower,
	}
}

// HealthRecord is one public-health outcome row (GBD-style natural key).
type HealthRecord struct {
	RecordFields
	Cause string `json:"cause"`
}

// RecordDomain implements UploadRecord.
func (HealthRecord) RecordDomain() Domain { return DomainHealth }

// RecordID implements UploadRecord.
func (r HealthRecord) RecordID() string { return r.ID }

// PollutionRecord is one air-quality measurement row.
type PollutionRecord struct {
	RecordFields
	Pollutant string `json:"pollutant"`
}

// RecordDomain implements UploadRecord.
func (PollutionRecord) RecordDomain() Domain { return DomainPollution }

// RecordID implements UploadRecord.
func (r PollutionRecord) RecordID() string { return r.ID }

// DecodeRecord unmarshals a raw API row into the concrete record type for
// its domain discriminator.
func DecodeRecord(raw json.RawMessage) (UploadRecord, error) {
	var probe struct {
		Domain Domain `json:"domain"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode record domain: %w", err)
	}

	switch probe.Domain {
	case DomainHealth:
		var rec HealthRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode health record: %w", err)
		}
		return rec, nil
	case DomainPollution:
		var rec PollutionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode pollution record: %w", err)
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("unknown record domain %q", probe.Domain)
	}
}

// EncodeRecord marshals a record with its domain discriminator included.
func EncodeRecord(rec UploadRecord) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(body, &asMap); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	asMap["domain"] = rec.RecordDomain()
	return json.Marshal(asMap)
}
