package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/airhealthmap/airhealth-api/internal/dto"
	"github.com/airhealthmap/airhealth-api/internal/models"
	"github.com/airhealthmap/airhealth-api/internal/upstream"
	appErrors "github.com/airhealthmap/airhealth-api/pkg/errors"
)

type uploadDataAPI interface {
	ValidateCSV(ctx context.Context, domain models.Domain, country, filename string, content io.Reader) (*upstream.ValidateResponse, error)
	ConfirmUpload(ctx context.Context, token string) (*upstream.ConfirmResponse, error)
	ListDuplicates(ctx context.Context, token string, limit, offset int) ([]models.DuplicateKey, int, error)
	ListUploads(ctx context.Context, filter dto.UploadFilter) ([]models.UploadBatch, int, error)
	DeleteUpload(ctx context.Context, id string) error
}

type uploadFileStorage interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type dupePageCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type cacheObserver interface {
	RecordCacheOperation(hit bool, duration time.Duration)
}

// FileUpload carries one incoming file's metadata and content stream.
type FileUpload struct {
	Filename string
	Size     int64
	Content  io.Reader
}

// UploadServiceConfig holds intake limits and workflow tuning.
type UploadServiceConfig struct {
	MaxFileSize       int64
	AllowedExtensions []string
	PreviewLines      int
	DuplicatePageSize int
	DupeCacheTTL      time.Duration
	StagingTTL        time.Duration
	DefaultTokenTTL   time.Duration
}

// UploadService drives the CSV upload workflow: intake with per-file
// acceptance checks, previews, sequential server-side validation, duplicate
// paging and token-based confirmation. All list mutations happen under one
// lock so concurrent requests always observe a consistent workflow.
type UploadService struct {
	api     uploadDataAPI
	storage uploadFileStorage
	cache   dupePageCache
	audit   auditLogger
	metrics cacheObserver
	logger  *zap.Logger
	cfg     UploadServiceConfig

	mu      sync.Mutex
	files   []*models.StagedFile
	byToken map[string]*models.StagedFile
	extSet  map[string]struct{}
}

// NewUploadService constructs the service with defaults.
func NewUploadService(api uploadDataAPI, storage uploadFileStorage, cache dupePageCache, audit auditLogger, metrics cacheObserver, logger *zap.Logger, cfg UploadServiceConfig) *UploadService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 50 * 1024 * 1024
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".csv"}
	}
	if cfg.PreviewLines <= 0 {
		cfg.PreviewLines = 5
	}
	if cfg.DuplicatePageSize <= 0 {
		cfg.DuplicatePageSize = 5
	}
	if cfg.DupeCacheTTL <= 0 {
		cfg.DupeCacheTTL = 30 * time.Minute
	}
	if cfg.StagingTTL <= 0 {
		cfg.StagingTTL = 2 * time.Hour
	}
	if cfg.DefaultTokenTTL <= 0 {
		cfg.DefaultTokenTTL = 30 * time.Minute
	}
	extSet := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		extSet[strings.ToLower(ext)] = struct{}{}
	}
	return &UploadService{
		api:     api,
		storage: storage,
		cache:   cache,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		byToken: make(map[string]*models.StagedFile),
		extSet:  extSet,
	}
}

// Select runs the per-file acceptance checks and stages every accepted file.
// A failing file is reported in Rejected and never enters the workflow; it
// does not affect its siblings.
func (s *UploadService) Select(ctx context.Context, req dto.SelectFilesRequest, uploads []FileUpload) (*dto.SelectionResult, error) {
	if !models.ValidDomain(req.Domain) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "domain must be health or pollution")
	}
	if len(uploads) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no files were provided")
	}

	result := &dto.SelectionResult{
		Accepted: make([]models.StagedFile, 0, len(uploads)),
		Rejected: make([]dto.RejectedFile, 0),
	}
	accepted := make([]*models.StagedFile, 0, len(uploads))

	for _, upload := range uploads {
		if reason := s.rejectReason(upload); reason != "" {
			result.Rejected = append(result.Rejected, dto.RejectedFile{Filename: upload.Filename, Reason: reason})
			continue
		}

		entry, err := s.stage(req, upload)
		if err != nil {
			s.logger.Warn("failed to stage upload", zap.String("filename", upload.Filename), zap.Error(err))
			result.Rejected = append(result.Rejected, dto.RejectedFile{Filename: upload.Filename, Reason: "file could not be read"})
			continue
		}
		accepted = append(accepted, entry)
	}

	s.mu.Lock()
	s.files = append(s.files, accepted...)
	for _, entry := range accepted {
		result.Accepted = append(result.Accepted, cloneStagedFile(entry))
	}
	s.mu.Unlock()

	return result, nil
}

// Files returns a snapshot of the staged files in selection order.
func (s *UploadService) Files() []models.StagedFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.StagedFile, 0, len(s.files))
	for _, entry := range s.files {
		out = append(out, cloneStagedFile(entry))
	}
	return out
}

// ValidateAll validates every pending file sequentially, in selection order.
// One file's failure never aborts the pass: the error is recorded on that
// file and the loop moves on.
func (s *UploadService) ValidateAll(ctx context.Context) ([]dto.ValidationOutcome, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	pending := make([]*models.StagedFile, 0, len(s.files))
	for _, entry := range s.files {
		switch {
		case entry.State == models.FilePreviewed:
			pending = append(pending, entry)
		case entry.State == models.FileValidated && entry.Validation != nil && entry.Validation.Token.Expired(now):
			pending = append(pending, entry)
		}
	}
	for _, entry := range pending {
		entry.State = models.FileValidating
		entry.Error = ""
	}
	s.mu.Unlock()

	outcomes := make([]dto.ValidationOutcome, 0, len(pending))
	for _, entry := range pending {
		outcomes = append(outcomes, s.validateOne(ctx, entry))
	}
	return outcomes, nil
}

func (s *UploadService) validateOne(ctx context.Context, entry *models.StagedFile) dto.ValidationOutcome {
	resp, err := s.callValidate(ctx, entry)
	if err == nil && resp.NewRows+resp.DupeRows != resp.TotalRows {
		err = appErrors.Clone(appErrors.ErrUpstream, "data service returned inconsistent row counts")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-validation replaces any previous token for this file.
	if entry.Validation != nil {
		delete(s.byToken, entry.Validation.Token.Value)
		entry.Validation = nil
	}

	if err != nil {
		entry.State = models.FilePreviewed
		entry.Error = appErrors.FromError(err).Message
		return dto.ValidationOutcome{
			FileID:   entry.ID,
			Filename: entry.Filename,
			State:    entry.State,
			Error:    entry.Error,
		}
	}

	ttlSeconds := int(s.cfg.DefaultTokenTTL.Seconds())
	if resp.TokenExpiresSeconds != nil && *resp.TokenExpiresSeconds > 0 {
		ttlSeconds = *resp.TokenExpiresSeconds
	}
	dupeTotal := resp.DupeRows
	if resp.DupeTotal != nil {
		dupeTotal = *resp.DupeTotal
	}

	entry.Validation = &models.ValidationSession{
		Token: models.ValidationToken{
			Value:     resp.Token,
			ExpiresAt: time.Now().UTC().Add(time.Duration(ttlSeconds) * time.Second),
		},
		FileID:      entry.ID,
		Filename:    entry.Filename,
		TotalRows:   resp.TotalRows,
		NewRows:     resp.NewRows,
		DupeRows:    resp.DupeRows,
		DupeSamples: resp.DupeSamples,
		DupeTotal:   dupeTotal,
		TTLSeconds:  ttlSeconds,
	}
	entry.State = models.FileValidated
	entry.Error = ""
	s.byToken[resp.Token] = entry

	return dto.ValidationOutcome{
		FileID:   entry.ID,
		Filename: entry.Filename,
		State:    entry.State,
		Result:   entry.Validation,
	}
}

func (s *UploadService) callValidate(ctx context.Context, entry *models.StagedFile) (*upstream.ValidateResponse, error) {
	file, err := s.storage.Open(entry.StoredName)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "staged file is no longer available")
	}
	defer file.Close() //nolint:errcheck
	return s.api.ValidateCSV(ctx, entry.Domain, entry.Country, entry.Filename, file)
}

// DuplicatePage returns one page of duplicate natural keys for a validation
// token, serving repeated views from Redis.
func (s *UploadService) DuplicatePage(ctx context.Context, token string, page int) (*dto.DuplicatePage, error) {
	if token == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "token is required")
	}
	if page < 1 {
		page = 1
	}

	s.mu.Lock()
	entry, known := s.byToken[token]
	expired := known && entry.Validation != nil && entry.Validation.Token.Expired(time.Now().UTC())
	s.mu.Unlock()
	if !known {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no validation session for this token")
	}
	if expired {
		return nil, appErrors.Clone(appErrors.ErrTokenExpired, "validation token has expired, validate the file again")
	}

	key := dupeCacheKey(token, page)
	start := time.Now()
	var cached dto.DuplicatePage
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		s.observeCache(true, time.Since(start))
		return &cached, nil
	}
	s.observeCache(false, time.Since(start))

	items, total, err := s.api.ListDuplicates(ctx, token, s.cfg.DuplicatePageSize, (page-1)*s.cfg.DuplicatePageSize)
	if err != nil {
		return nil, err
	}

	result := &dto.DuplicatePage{Items: items, Total: total, Page: page}
	if err := s.cache.Set(ctx, key, result, s.cfg.DupeCacheTTL); err != nil {
		s.logger.Warn("failed to cache duplicate page", zap.String("key", key), zap.Error(err))
	}
	return result, nil
}

// Confirm commits the rows behind a validation token. On success the file
// leaves the workflow and its staged bytes are deleted. On failure the file
// stays in the list marked confirm_failed, ready for a retry. A confirm for
// a token whose request is already in flight is rejected with a conflict.
func (s *UploadService) Confirm(ctx context.Context, token string, actor *models.JWTClaims) (*dto.ConfirmResult, error) {
	if token == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "token is required")
	}

	s.mu.Lock()
	entry, ok := s.byToken[token]
	if !ok {
		s.mu.Unlock()
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no validation session for this token")
	}
	if entry.Confirming {
		s.mu.Unlock()
		return nil, appErrors.Clone(appErrors.ErrConflict, "confirmation already in progress for this file")
	}
	entry.Confirming = true
	entry.State = models.FileConfirming
	entry.Error = ""
	filename := entry.Filename
	storedName := entry.StoredName
	s.mu.Unlock()

	resp, err := s.api.ConfirmUpload(ctx, token)

	s.mu.Lock()
	entry.Confirming = false
	if err != nil {
		entry.State = models.FileConfirmFailed
		fe := appErrors.FromError(err)
		entry.Error = fe.Message
		s.mu.Unlock()
		return nil, appErrors.Wrap(err, appErrors.ErrConfirmFailed.Code, fe.Status, fe.Message)
	}
	entry.State = models.FileCommitted
	s.removeLocked(entry)
	s.mu.Unlock()

	if err := s.storage.Delete(storedName); err != nil {
		s.logger.Warn("failed to delete staged file after confirm", zap.String("filename", filename), zap.Error(err))
	}
	s.invalidateDupePages(ctx, token)

	if actor != nil {
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			UserID:     &actor.UserID,
			Action:     models.AuditActionUploadConfirm,
			Resource:   "upload",
			ResourceID: &resp.BatchID,
			NewValues:  []byte(fmt.Sprintf(`{"filename":%q,"rows_imported":%d,"rows_skipped":%d}`, filename, resp.RowsImported, resp.RowsSkipped)),
		}); err != nil {
			s.logger.Warn("failed to record upload confirm audit log", zap.Error(err))
		}
	}

	return &dto.ConfirmResult{
		Token:        token,
		Filename:     filename,
		RowsImported: resp.RowsImported,
		RowsSkipped:  resp.RowsSkipped,
		BatchID:      resp.BatchID,
	}, nil
}

// RemoveFile takes one staged file out of the workflow before it is
// confirmed, deleting its staged bytes and any cached duplicate pages.
func (s *UploadService) RemoveFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	var entry *models.StagedFile
	for _, candidate := range s.files {
		if candidate.ID == fileID {
			entry = candidate
			break
		}
	}
	if entry == nil {
		s.mu.Unlock()
		return appErrors.Clone(appErrors.ErrNotFound, "file not found")
	}
	if entry.Confirming {
		s.mu.Unlock()
		return appErrors.Clone(appErrors.ErrConflict, "file is being confirmed")
	}
	token := ""
	if entry.Validation != nil {
		token = entry.Validation.Token.Value
	}
	storedName := entry.StoredName
	s.removeLocked(entry)
	s.mu.Unlock()

	if err := s.storage.Delete(storedName); err != nil {
		s.logger.Warn("failed to delete staged file", zap.String("file_id", fileID), zap.Error(err))
	}
	if token != "" {
		s.invalidateDupePages(ctx, token)
	}
	return nil
}

// Discard empties the workflow, dropping every staged file that is not mid
// confirmation.
func (s *UploadService) Discard(ctx context.Context) {
	s.mu.Lock()
	kept := s.files[:0]
	dropped := make([]*models.StagedFile, 0, len(s.files))
	for _, entry := range s.files {
		if entry.Confirming {
			kept = append(kept, entry)
			continue
		}
		if entry.Validation != nil {
			delete(s.byToken, entry.Validation.Token.Value)
		}
		dropped = append(dropped, entry)
	}
	s.files = kept
	s.mu.Unlock()

	for _, entry := range dropped {
		if err := s.storage.Delete(entry.StoredName); err != nil {
			s.logger.Warn("failed to delete staged file", zap.String("file_id", entry.ID), zap.Error(err))
		}
		if entry.Validation != nil {
			s.invalidateDupePages(ctx, entry.Validation.Token.Value)
		}
	}
}

// ListBatches proxies the upload-batch history from the data API.
func (s *UploadService) ListBatches(ctx context.Context, filter dto.UploadFilter) ([]models.UploadBatch, int, error) {
	return s.api.ListUploads(ctx, filter)
}

// DeleteBatch removes a committed batch and its rows from the data API.
func (s *UploadService) DeleteBatch(ctx context.Context, id string, actor *models.JWTClaims) error {
	if id == "" {
		return appErrors.Clone(appErrors.ErrValidation, "batch id is required")
	}
	if err := s.api.DeleteUpload(ctx, id); err != nil {
		return err
	}
	if actor != nil {
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			UserID:     &actor.UserID,
			Action:     models.AuditActionUploadDelete,
			Resource:   "upload",
			ResourceID: &id,
		}); err != nil {
			s.logger.Warn("failed to record upload delete audit log", zap.Error(err))
		}
	}
	return nil
}

// SweepStaging drops entries whose staged files have outlived the staging
// TTL and removes orphaned files from disk. The janitor queue invokes it on
// a fixed interval.
func (s *UploadService) SweepStaging(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.StagingTTL)

	s.mu.Lock()
	kept := s.files[:0]
	expired := make([]*models.StagedFile, 0)
	for _, entry := range s.files {
		if entry.Confirming || entry.SelectedAt.After(cutoff) {
			kept = append(kept, entry)
			continue
		}
		if entry.Validation != nil {
			delete(s.byToken, entry.Validation.Token.Value)
		}
		expired = append(expired, entry)
	}
	s.files = kept
	s.mu.Unlock()

	for _, entry := range expired {
		if err := s.storage.Delete(entry.StoredName); err != nil {
			s.logger.Warn("failed to delete expired staged file", zap.String("file_id", entry.ID), zap.Error(err))
		}
		if entry.Validation != nil {
			s.invalidateDupePages(ctx, entry.Validation.Token.Value)
		}
	}

	orphans, err := s.storage.CleanupOlderThan(s.cfg.StagingTTL)
	if err != nil {
		return len(expired), err
	}
	if len(expired) > 0 || len(orphans) > 0 {
		s.logger.Info("staging sweep complete", zap.Int("expired_entries", len(expired)), zap.Int("orphaned_files", len(orphans)))
	}
	return len(expired) + len(orphans), nil
}

func (s *UploadService) rejectReason(upload FileUpload) string {
	ext := strings.ToLower(filepath.Ext(upload.Filename))
	if _, ok := s.extSet[ext]; !ok {
		return "only .csv files are accepted"
	}
	if upload.Size > s.cfg.MaxFileSize {
		return fmt.Sprintf("file exceeds the %d MB limit", s.cfg.MaxFileSize/(1024*1024))
	}
	return ""
}

func (s *UploadService) stage(req dto.SelectFilesRequest, upload FileUpload) (*models.StagedFile, error) {
	storedName := uuid.NewString() + strings.ToLower(filepath.Ext(upload.Filename))
	if _, err := s.storage.SaveStream(storedName, upload.Content); err != nil {
		return nil, err
	}

	preview, err := s.previewLines(storedName)
	if err != nil {
		if delErr := s.storage.Delete(storedName); delErr != nil {
			s.logger.Warn("failed to delete unreadable staged file", zap.Error(delErr))
		}
		return nil, err
	}

	return &models.StagedFile{
		ID:         uuid.NewString(),
		Filename:   upload.Filename,
		SizeBytes:  upload.Size,
		Domain:     req.Domain,
		Country:    req.Country,
		StoredName: storedName,
		Preview:    preview,
		State:      models.FilePreviewed,
		SelectedAt: time.Now().UTC(),
	}, nil
}

// previewLines reads the first non-blank lines of a staged file. Blank lines
// are skipped rather than counted, so the preview always shows content when
// the file has any.
func (s *UploadService) previewLines(storedName string) ([]string, error) {
	file, err := s.storage.Open(storedName)
	if err != nil {
		return nil, err
	}
	defer file.Close() //nolint:errcheck

	lines := make([]string, 0, s.cfg.PreviewLines)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() && len(lines) < s.cfg.PreviewLines {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// removeLocked drops an entry from both indexes. Caller holds the lock.
func (s *UploadService) removeLocked(entry *models.StagedFile) {
	for i, candidate := range s.files {
		if candidate == entry {
			s.files = append(s.files[:i], s.files[i+1:]...)
			break
		}
	}
	if entry.Validation != nil {
		delete(s.byToken, entry.Validation.Token.Value)
	}
}

func (s *UploadService) observeCache(hit bool, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordCacheOperation(hit, duration)
	}
}

func (s *UploadService) invalidateDupePages(ctx context.Context, token string) {
	if err := s.cache.DeleteByPattern(ctx, "dupes:"+token+":*"); err != nil {
		s.logger.Warn("failed to invalidate duplicate page cache", zap.String("token", token), zap.Error(err))
	}
}

func dupeCacheKey(token string, page int) string {
	return fmt.Sprintf("dupes:%s:%d", token, page)
}

func cloneStagedFile(entry *models.StagedFile) models.StagedFile {
	out := *entry
	if entry.Preview != nil {
		out.Preview = append([]string(nil), entry.Preview...)
	}
	if entry.Validation != nil {
		validation := *entry.Validation
		if entry.Validation.DupeSamples != nil {
			validation.DupeSamples = append([]models.DuplicateKey(nil), entry.Validation.DupeSamples...)
		}
		out.Validation = &validation
	}
	return out
}
