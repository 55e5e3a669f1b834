package service

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/airhealthmap/airhealth-api/internal/dto"
	"github.com/airhealthmap/airhealth-api/internal/models"
	appErrors "github.com/airhealthmap/airhealth-api/pkg/errors"
	"github.com/airhealthmap/airhealth-api/pkg/export"
)

// Export formats supported by the history export.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

type uploadBatchLister interface {
	ListUploads(ctx context.Context, filter dto.UploadFilter) ([]models.UploadBatch, int, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	MaxRows int
}

// ExportFile is a rendered export ready to stream to the client.
type ExportFile struct {
	Filename    string
	ContentType string
	Payload     []byte
}

// ExportService renders the upload-batch history as CSV or PDF.
type ExportService struct {
	uploads uploadBatchLister
	csv     csvRenderer
	pdf     pdfRenderer
	logger  *zap.Logger
	cfg     ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(uploads uploadBatchLister, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{uploads: uploads, csv: csv, pdf: pdf, logger: logger, cfg: cfg}
}

// UploadHistory fetches the batch history for the filter and renders it in
// the requested format.
func (s *ExportService) UploadHistory(ctx context.Context, filter dto.UploadFilter, format string) (*ExportFile, error) {
	if format != ExportFormatCSV && format != ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	filter.Page = 1
	filter.PageSize = s.cfg.MaxRows
	batches, total, err := s.uploads.ListUploads(ctx, filter)
	if err != nil {
		return nil, err
	}
	if total > len(batches) {
		s.logger.Info("export truncated to row limit", zap.Int("total", total), zap.Int("exported", len(batches)))
	}

	dataset := buildUploadHistoryDataset(batches)
	stamp := time.Now().UTC().Format("20060102-150405")

	switch format {
	case ExportFormatCSV:
		payload, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv export")
		}
		return &ExportFile{
			Filename:    "upload-history-" + stamp + ".csv",
			ContentType: "text/csv",
			Payload:     payload,
		}, nil
	default:
		payload, err := s.pdf.Render(dataset, "Upload History")
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf export")
		}
		return &ExportFile{
			Filename:    "upload-history-" + stamp + ".pdf",
			ContentType: "application/pdf",
			Payload:     payload,
		}, nil
	}
}

func buildUploadHistoryDataset(batches []models.UploadBatch) export.Dataset {
	rows := make([]map[string]string, 0, len(batches))
	for _, batch := range batches {
		rows = append(rows, map[string]string{
			"Batch ID":   batch.ID,
			"Domain":     string(batch.Domain),
			"Collection": batch.Collection,
			"Country":    batch.Country,
			"Status":     string(batch.Status),
			"Rows":       strconv.Itoa(batch.RowCount),
			"Created At": batch.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return export.Dataset{
		Headers: []string{"Batch ID", "Domain", "Collection", "Country", "Status", "Rows", "Created At"},
		Rows:    rows,
	}
}
