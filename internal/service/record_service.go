package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/airhealthmap/airhealth-api/internal/dto"
	"github.com/airhealthmap/airhealth-api/internal/models"
	appErrors "github.com/airhealthmap/airhealth-api/pkg/errors"
)

type recordDataAPI interface {
	CreateRecord(ctx context.Context, rec models.UploadRecord) (models.UploadRecord, error)
	ListRecords(ctx context.Context, filter dto.RecordFilter) ([]models.UploadRecord, int, error)
	UpdateRecord(ctx context.Context, id string, patch dto.UpdateRecordRequest) (models.UploadRecord, error)
}

type sessionReader interface {
	Current() models.Session
}

const minRecordYear = 1900

// RecordService validates manual single-record entries locally and proxies
// them to the data API. Nothing leaves the gateway until every field check
// passes; the first failing check wins and is the only error reported.
type RecordService struct {
	api      recordDataAPI
	sessions sessionReader
	logger   *zap.Logger
}

// NewRecordService constructs a RecordService.
func NewRecordService(api recordDataAPI, sessions sessionReader, logger *zap.Logger) *RecordService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordService{api: api, sessions: sessions, logger: logger}
}

// Create checks and submits one manually entered record. A blank location
// falls back to the signed-in organization's registered country.
func (s *RecordService) Create(ctx context.Context, req dto.CreateRecordRequest) (models.UploadRecord, error) {
	rec, err := s.buildRecord(req)
	if err != nil {
		return nil, err
	}
	return s.api.CreateRecord(ctx, rec)
}

// List proxies one page of records from the data API.
func (s *RecordService) List(ctx context.Context, filter dto.RecordFilter) ([]models.UploadRecord, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = 20
	}
	records, total, err := s.api.ListRecords(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	return records, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Update patches a record's mutable numeric fields.
func (s *RecordService) Update(ctx context.Context, id string, patch dto.UpdateRecordRequest) (models.UploadRecord, error) {
	if id == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "record id is required")
	}
	if patch.Year != nil {
		if err := checkYearRange(*patch.Year); err != nil {
			return nil, err
		}
	}
	for name, v := range map[string]*float64{"value": patch.Value, "upper": patch.Upper, "lower": patch.Lower} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return nil, appErrors.Clone(appErrors.ErrValidation, name+" must be a finite number")
		}
	}
	return s.api.UpdateRecord(ctx, id, patch)
}

// buildRecord runs the field checks in form order and assembles the concrete
// record for the request's domain.
func (s *RecordService) buildRecord(req dto.CreateRecordRequest) (models.UploadRecord, error) {
	if !models.ValidDomain(req.Domain) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "domain must be health or pollution")
	}

	measure := strings.TrimSpace(req.Measure)
	location := strings.TrimSpace(req.Location)
	sex := strings.TrimSpace(req.Sex)
	age := strings.TrimSpace(req.Age)
	cause := strings.TrimSpace(req.Cause)
	pollutant := strings.TrimSpace(req.Pollutant)
	metric := strings.TrimSpace(req.Metric)

	if location == "" {
		if session := s.sessions.Current(); session.Organization != nil {
			location = session.Organization.Country
		}
	}

	if measure == "" {
		return nil, requiredField("measure")
	}
	if location == "" {
		return nil, requiredField("location")
	}
	if sex == "" {
		return nil, requiredField("sex")
	}
	if age == "" {
		return nil, requiredField("age")
	}
	if req.Domain == models.DomainHealth && cause == "" {
		return nil, requiredField("cause")
	}
	if req.Domain == models.DomainPollution && pollutant == "" {
		return nil, requiredField("pollutant")
	}
	if metric == "" {
		return nil, requiredField("metric")
	}

	year, err := parseYear(req.Year)
	if err != nil {
		return nil, err
	}

	value, err := parseRequiredNumber("value", req.Value)
	if err != nil {
		return nil, err
	}
	upper, err := parseOptionalNumber("upper", req.Upper)
	if err != nil {
		return nil, err
	}
	lower, err := parseOptionalNumber("lower", req.Lower)
	if err != nil {
		return nil, err
	}

	fields := models.NewRecordFields(measure, location, sex, age, metric, year, value, upper, lower)
	if req.Domain == models.DomainHealth {
		return models.HealthRecord{RecordFields: fields, Cause: cause}, nil
	}
	return models.PollutionRecord{RecordFields: fields, Pollutant: pollutant}, nil
}

func requiredField(name string) error {
	return appErrors.Clone(appErrors.ErrValidation, name+" is required")
}

func parseYear(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, requiredField("year")
	}
	year, err := strconv.Atoi(raw)
	if err != nil {
		return 0, appErrors.Clone(appErrors.ErrValidation, "year must be a whole number")
	}
	if err := checkYearRange(year); err != nil {
		return 0, err
	}
	return year, nil
}

func checkYearRange(year int) error {
	maxYear := time.Now().UTC().Year() + 3
	if year < minRecordYear || year > maxYear {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("year must be between %d and %d", minRecordYear, maxYear))
	}
	return nil
}

func parseRequiredNumber(name, raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, requiredField(name)
	}
	return parseFinite(name, raw)
}

func parseOptionalNumber(name, raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := parseFinite(name, raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseFinite(name, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, appErrors.Clone(appErrors.ErrValidation, name+" must be a number")
	}
	return v, nil
}
