package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/airhealthmap/airhealth-api/internal/dto"
	"github.com/airhealthmap/airhealth-api/internal/models"
	"github.com/airhealthmap/airhealth-api/internal/upstream"
	appErrors "github.com/airhealthmap/airhealth-api/pkg/errors"
)

type dataAPIStub struct {
	mu sync.Mutex

	validateCalls  []string
	validateErrFor map[string]error
	validateResp   map[string]*upstream.ValidateResponse

	confirmCalls int
	confirmErr   error
	confirmGate  chan struct{}
	confirmResp  *upstream.ConfirmResponse

	dupeCalls  int
	dupeItems  []models.DuplicateKey
	dupeTotal  int
	lastLimit  int
	lastOffset int

	batches []models.UploadBatch
	deleted []string
}

func newDataAPIStub() *dataAPIStub {
	return &dataAPIStub{
		validateErrFor: make(map[string]error),
		validateResp:   make(map[string]*upstream.ValidateResponse),
		confirmResp:    &upstream.ConfirmResponse{BatchID: "batch-1", RowsImported: 7, RowsSkipped: 3},
	}
}

func (a *dataAPIStub) ValidateCSV(ctx context.Context, domain models.Domain, country, filename string, content io.Reader) (*upstream.ValidateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validateCalls = append(a.validateCalls, filename)
	if err, ok := a.validateErrFor[filename]; ok {
		return nil, err
	}
	if resp, ok := a.validateResp[filename]; ok {
		return resp, nil
	}
	return &upstream.ValidateResponse{
		Token:     "tok-" + filename,
		TotalRows: 10,
		NewRows:   7,
		DupeRows:  3,
	}, nil
}

func (a *dataAPIStub) ConfirmUpload(ctx context.Context, token string) (*upstream.ConfirmResponse, error) {
	a.mu.Lock()
	a.confirmCalls++
	gate := a.confirmGate
	err := a.confirmErr
	resp := a.confirmResp
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *dataAPIStub) ListDuplicates(ctx context.Context, token string, limit, offset int) ([]models.DuplicateKey, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dupeCalls++
	a.lastLimit = limit
	a.lastOffset = offset
	return a.dupeItems, a.dupeTotal, nil
}

func (a *dataAPIStub) ListUploads(ctx context.Context, filter dto.UploadFilter) ([]models.UploadBatch, int, error) {
	return a.batches, len(a.batches), nil
}

func (a *dataAPIStub) DeleteUpload(ctx context.Context, id string) error {
	a.deleted = append(a.deleted, id)
	return nil
}

type stagingStub struct {
	dir   string
	files map[string]string
}

func newStagingStub(t *testing.T) *stagingStub {
	return &stagingStub{dir: t.TempDir(), files: make(map[string]string)}
}

func (s *stagingStub) SaveStream(filename string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	s.files[filename] = path
	return filename, nil
}

func (s *stagingStub) Open(filename string) (*os.File, error) {
	path, ok := s.files[filename]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return os.Open(path)
}

func (s *stagingStub) Delete(filename string) error {
	if path, ok := s.files[filename]; ok {
		_ = os.Remove(path)
		delete(s.files, filename)
	}
	return nil
}

func (s *stagingStub) CleanupOlderThan(ttl time.Duration) ([]string, error) {
	return nil, nil
}

type cacheStub struct {
	mu      sync.Mutex
	entries map[string][]byte
	deleted []string
}

func newCacheStub() *cacheStub {
	return &cacheStub{entries: make(map[string][]byte)}
}

func (c *cacheStub) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *cacheStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *cacheStub) DeleteByPattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, pattern)
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

type auditStub struct {
	mu   sync.Mutex
	logs []models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, *log)
	return nil
}

func newTestUploadService(t *testing.T, api *dataAPIStub) (*UploadService, *stagingStub, *cacheStub, *auditStub) {
	staging := newStagingStub(t)
	cache := newCacheStub()
	audit := &auditStub{}
	svc := NewUploadService(api, staging, cache, audit, nil, nil, UploadServiceConfig{
		MaxFileSize:       50 * 1024 * 1024,
		AllowedExtensions: []string{".csv"},
		PreviewLines:      5,
		DuplicatePageSize: 5,
		DupeCacheTTL:      time.Minute,
		StagingTTL:        time.Hour,
		DefaultTokenTTL:   30 * time.Minute,
	})
	return svc, staging, cache, audit
}

func csvUpload(name, content string) FileUpload {
	return FileUpload{Filename: name, Size: int64(len(content)), Content: strings.NewReader(content)}
}

func selectReq() dto.SelectFilesRequest {
	return dto.SelectFilesRequest{Domain: models.DomainHealth, Country: "Kazakhstan"}
}

func TestSelectRejectsPerFileWithoutAffectingSiblings(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t, newDataAPIStub())

	oversized := FileUpload{Filename: "big.csv", Size: 51 * 1024 * 1024, Content: strings.NewReader("")}
	result, err := svc.Select(context.Background(), selectReq(), []FileUpload{
		csvUpload("good.csv", "h1,h2\n1,2\n"),
		{Filename: "notes.txt", Size: 10, Content: strings.NewReader("hello")},
		oversized,
	})
	require.NoError(t, err)

	require.Len(t, result.Accepted, 1)
	require.Equal(t, "good.csv", result.Accepted[0].Filename)
	require.Equal(t, models.FilePreviewed, result.Accepted[0].State)

	require.Len(t, result.Rejected, 2)
	require.Equal(t, "notes.txt", result.Rejected[0].Filename)
	require.Contains(t, result.Rejected[0].Reason, ".csv")
	require.Equal(t, "big.csv", result.Rejected[1].Filename)
	require.Contains(t, result.Rejected[1].Reason, "50 MB")

	require.Len(t, svc.Files(), 1)
}

func TestSelectPreviewSkipsBlankLinesAndCapsAtFive(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t, newDataAPIStub())

	content := "header\n\nrow1\r\nrow2\n   \nrow3\nrow4\nrow5\nrow6\n"
	result, err := svc.Select(context.Background(), selectReq(), []FileUpload{csvUpload("data.csv", content)})
	require.NoError(t, err)
	require.Len(t, result.Accepted, 1)
	require.Equal(t, []string{"header", "row1", "row2", "row3", "row4"}, result.Accepted[0].Preview)
}

func TestValidateAllIsolatesFailuresAndKeepsOrder(t *testing.T) {
	api := newDataAPIStub()
	api.validateErrFor["bad.csv"] = appErrors.Clone(appErrors.ErrUpstream, "malformed header row")
	svc, _, _, _ := newTestUploadService(t, api)

	_, err := svc.Select(context.Background(), selectReq(), []FileUpload{
		csvUpload("bad.csv", "x\n1\n"),
		csvUpload("ok.csv", "x\n1\n"),
	})
	require.NoError(t, err)

	outcomes, err := svc.ValidateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	// Sequential, in selection order.
	require.Equal(t, []string{"bad.csv", "ok.csv"}, api.validateCalls)

	require.Equal(t, models.FilePreviewed, outcomes[0].State)
	require.Equal(t, "malformed header row", outcomes[0].Error)
	require.Nil(t, outcomes[0].Result)

	require.Equal(t, models.FileValidated, outcomes[1].State)
	require.NotNil(t, outcomes[1].Result)
	require.Equal(t, "tok-ok.csv", outcomes[1].Result.Token.Value)
	require.Equal(t, 10, outcomes[1].Result.TotalRows)
	require.Equal(t, 7, outcomes[1].Result.NewRows)
	require.Equal(t, 3, outcomes[1].Result.DupeRows)
}

func TestValidateAllRejectsInconsistentRowCounts(t *testing.T) {
	api := newDataAPIStub()
	api.validateResp["odd.csv"] = &upstream.ValidateResponse{Token: "tok", TotalRows: 10, NewRows: 5, DupeRows: 3}
	svc, _, _, _ := newTestUploadService(t, api)

	_, err := svc.Select(context.Background(), selectReq(), []FileUpload{csvUpload("odd.csv", "x\n1\n")})
	require.NoError(t, err)

	outcomes, err := svc.ValidateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, models.FilePreviewed, outcomes[0].State)
	require.Contains(t, outcomes[0].Error, "inconsistent row counts")
}

func TestDuplicatePageServesRepeatViewsFromCache(t *testing.T) {
	api := newDataAPIStub()
	api.dupeItems = []models.DuplicateKey{{MeasureID: "m1", LocationID: "l1", SexID: "s1", AgeID: "a1", MetricID: "mt1", Year: 2019}}
	api.dupeTotal = 12
	svc, _, _, _ := newTestUploadService(t, api)

	_, err := svc.Select(context.Background(), selectReq(), []FileUpload{csvUpload("d.csv", "x\n1\n")})
	require.NoError(t, err)
	_, err = svc.ValidateAll(context.Background())
	require.NoError(t, err)

	page, err := svc.DuplicatePage(context.Background(), "tok-d.csv", 2)
	require.NoError(t, err)
	require.Equal(t, 12, page.Total)
	require.Equal(t, 2, page.Page)
	require.Equal(t, 5, api.lastLimit)
	require.Equal(t, 5, api.lastOffset)
	require.Equal(t, 1, api.dupeCalls)

	again, err := svc.DuplicatePage(context.Background(), "tok-d.csv", 2)
	require.NoError(t, err)
	require.Equal(t, page.Total, again.Total)
	require.Equal(t, 1, api.dupeCalls)
}

func TestDuplicatePageUnknownToken(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t, newDataAPIStub())
	_, err := svc.DuplicatePage(context.Background(), "nope", 1)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestDuplicatePageExpiredToken(t *testing.T) {
	api := newDataAPIStub()
	svc, _, _, _ := newTestUploadService(t, api)

	_, err := svc.Select(context.Background(), selectReq(), []FileUpload{csvUpload("e.csv", "x\n1\n")})
	require.NoError(t, err)
	_, err = svc.ValidateAll(context.Background())
	require.NoError(t, err)

	svc.mu.Lock()
	svc.files[0].Validation.Token.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	svc.mu.Unlock()

	_, err = svc.DuplicatePage(context.Background(), "tok-e.csv", 1)
	require.Error(t, err)
	fe := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrTokenExpired.Code, fe.Code)
	require.Equal(t, 0, api.dupeCalls)
}

func TestConfirmSuccessRemovesFileAndCleansUp(t *testing.T) {
	api := newDataAPIStub()
	svc, staging, cache, audit := newTestUploadService(t, api)

	_, err := svc.Select(context.Background(), selectReq(), []FileUpload{
		csvUpload("c.csv", "x\n1\n"),
		csvUpload("d.csv", "y\n2\n"),
	})
	require.NoError(t, err)
	_, err = svc.ValidateAll(context.Background())
	require.NoError(t, err)

	actor := &models.JWTClaims{UserID: "user-1", Role: models.RoleOrganization}
	result, err := svc.Confirm(context.Background(), "tok-c.csv", actor)
	require.NoError(t, err)
	require.Equal(t, "c.csv", result.Filename)
	require.Equal(t, 7, result.RowsImported)
	require.Equal(t, 3, result.RowsSkipped)
	require.Equal(t, "batch-1", result.BatchID)

	// Exactly the confirmed entry leaves; its sibling keeps token and counts.
	files := svc.Files()
	require.Len(t, files, 1)
	survivor := files[0]
	require.Equal(t, "d.csv", survivor.Filename)
	require.Equal(t, models.FileValidated, survivor.State)
	require.False(t, survivor.Confirming)
	require.NotNil(t, survivor.Validation)
	require.Equal(t, "tok-d.csv", survivor.Validation.Token.Value)
	require.Equal(t, 10, survivor.Validation.TotalRows)
	require.Equal(t, 7, survivor.Validation.NewRows)
	require.Equal(t, 3, survivor.Validation.DupeRows)

	require.Len(t, staging.files, 1)
	require.Contains(t, cache.deleted, "dupes:tok-c.csv:*")
	require.NotContains(t, cache.deleted, "dupes:tok-d.csv:*")
	require.Len(t, audit.logs, 1)
	require.Equal(t, models.AuditActionUploadConfirm, audit.logs[0].Action)
}

func TestConfirmFailureKeepsFileForRetry(t *testing.T) {
	api := newDataAPIStub()
	api.confirmErr = appErrors.Clone(appErrors.ErrUpstream, "ingestion offline")
	svc, staging, _, _ := newTestUploadService(t, api)

	_, err := svc.Select(context.Background(), selectReq(), []FileUpload{csvUpload("r.csv", "x\n1\n")})
	require.NoError(t, err)
	_, err = svc.ValidateAll(context.Background())
	require.NoError(t, err)

	_, err = svc.Confirm(context.Background(), "tok-r.csv", nil)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrConfirmFailed.Code, appErrors.FromError(err).Code)

	files := svc.Files()
	require.Len(t, files, 1)
	require.Equal(t, models.FileConfirmFailed, files[0].State)
	require.False(t, files[0].Confirming)
	require.Equal(t, "ingestion offline", files[0].Error)
	require.Len(t, staging.files, 1)

	// The token is still registered, so the retry goes through.
	api.mu.Lock()
	api.confirmErr = nil
	api.mu.Unlock()
	result, err := svc.Confirm(context.Background(), "tok-r.csv", nil)
	require.NoError(t, err)
	require.Equal(t, "r.csv", result.Filename)
	require.Empty(t, svc.Files())
}

func TestConfirmWhileInFlightConflicts(t *testing.T) {
	api := newDataAPIStub()
	api.confirmGate = make(chan struct{})
	svc, _, _, _ := newTestUploadService(t, api)

	_, err := svc.Select(context.Background(), selectReq(), []FileUpload{csvUpload("p.csv", "x\n1\n")})
	require.NoError(t, err)
	_, err = svc.ValidateAll(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Confirm(context.Background(), "tok-p.csv", nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		files := svc.Files()
		return len(files) == 1 && files[0].Confirming
	}, time.Second, 5*time.Millisecond)

	_, err = svc.Confirm(context.Background(), "tok-p.csv", nil)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)

	close(api.confirmGate)
	require.NoError(t, <-done)
	require.Empty(t, svc.Files())
}

func TestConfirmUnknownToken(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t, newDataAPIStub())
	_, err := svc.Confirm(context.Background(), "missing", nil)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestDiscardDropsEverything(t *testing.T) {
	api := newDataAPIStub()
	svc, staging, _, _ := newTestUploadService(t, api)

	_, err := svc.Select(context.Background(), selectReq(), []FileUpload{
		csvUpload("a.csv", "x\n1\n"),
		csvUpload("b.csv", "x\n1\n"),
	})
	require.NoError(t, err)
	_, err = svc.ValidateAll(context.Background())
	require.NoError(t, err)

	svc.Discard(context.Background())
	require.Empty(t, svc.Files())
	require.Empty(t, staging.files)

	_, err = svc.DuplicatePage(context.Background(), "tok-a.csv", 1)
	require.Error(t, err)
}

func TestSweepStagingDropsExpiredEntries(t *testing.T) {
	api := newDataAPIStub()
	staging := newStagingStub(t)
	svc := NewUploadService(api, staging, newCacheStub(), &auditStub{}, nil, nil, UploadServiceConfig{
		StagingTTL: time.Millisecond,
	})

	_, err := svc.Select(context.Background(), selectReq(), []FileUpload{csvUpload("old.csv", "x\n1\n")})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	removed, err := svc.SweepStaging(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, removed, 1)
	require.Empty(t, svc.Files())
	require.Empty(t, staging.files)
}
