package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/airhealthmap/airhealth-api/internal/dto"
	"github.com/airhealthmap/airhealth-api/internal/models"
	appErrors "github.com/airhealthmap/airhealth-api/pkg/errors"
)

type batchListerStub struct {
	batches []models.UploadBatch
	total   int
	filter  dto.UploadFilter
}

func (s *batchListerStub) ListUploads(ctx context.Context, filter dto.UploadFilter) ([]models.UploadBatch, int, error) {
	s.filter = filter
	return s.batches, s.total, nil
}

func sampleBatches() []models.UploadBatch {
	return []models.UploadBatch{
		{
			ID:        "batch-1",
			Domain:    models.DomainHealth,
			Country:   "Kazakhstan",
			RowCount:  120,
			Status:    models.UploadProcessed,
			CreatedAt: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
		},
		{
			ID:        "batch-2",
			Domain:    models.DomainPollution,
			Country:   "Mongolia",
			RowCount:  88,
			Status:    models.UploadReceived,
			CreatedAt: time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC),
		},
	}
}

func TestUploadHistoryCSV(t *testing.T) {
	lister := &batchListerStub{batches: sampleBatches(), total: 2}
	svc := NewExportService(lister, ExportConfig{MaxRows: 500}, nil, nil, nil)

	file, err := svc.UploadHistory(context.Background(), dto.UploadFilter{Domain: models.DomainHealth}, ExportFormatCSV)
	require.NoError(t, err)
	require.Equal(t, "text/csv", file.ContentType)
	require.True(t, strings.HasSuffix(file.Filename, ".csv"))

	body := string(file.Payload)
	require.Contains(t, body, "Batch ID")
	require.Contains(t, body, "batch-1")
	require.Contains(t, body, "Kazakhstan")
	require.Contains(t, body, "120")

	// The full history is fetched in one page capped at the row limit.
	require.Equal(t, 1, lister.filter.Page)
	require.Equal(t, 500, lister.filter.PageSize)
}

func TestUploadHistoryPDF(t *testing.T) {
	lister := &batchListerStub{batches: sampleBatches(), total: 2}
	svc := NewExportService(lister, ExportConfig{}, nil, nil, nil)

	file, err := svc.UploadHistory(context.Background(), dto.UploadFilter{}, ExportFormatPDF)
	require.NoError(t, err)
	require.Equal(t, "application/pdf", file.ContentType)
	require.True(t, strings.HasSuffix(file.Filename, ".pdf"))
	require.True(t, strings.HasPrefix(string(file.Payload), "%PDF"))
}

func TestUploadHistoryRejectsUnknownFormat(t *testing.T) {
	svc := NewExportService(&batchListerStub{}, ExportConfig{}, nil, nil, nil)

	_, err := svc.UploadHistory(context.Background(), dto.UploadFilter{}, "xlsx")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}
