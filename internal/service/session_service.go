package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/airhealthmap/airhealth-api/internal/models"
	"github.com/airhealthmap/airhealth-api/internal/repository"
	appErrors "github.com/airhealthmap/airhealth-api/pkg/errors"
)

// SessionService owns the single in-memory session and mirrors every
// mutation to durable storage under one fixed key. The gateway serves one
// analyst, so there is exactly one session at a time.
type SessionService struct {
	mu        sync.RWMutex
	current   models.Session
	snapshots repository.SnapshotRepository
	logger    *zap.Logger
}

// NewSessionService constructs the session store in the guest state; call
// Bootstrap before serving requests to restore any persisted session.
func NewSessionService(snapshots repository.SnapshotRepository, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		current:   models.Guest(),
		snapshots: snapshots,
		logger:    logger,
	}
}

// Bootstrap restores the persisted session. A missing snapshot starts the
// guest state. A corrupt snapshot is cleared from storage and also starts
// guest: startup never fails because of bad persisted state.
func (s *SessionService) Bootstrap(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.snapshots.Load(ctx)
	switch {
	case err == nil:
		s.current = session
		s.logger.Info("session restored", zap.String("role", string(session.Role)))
	case errors.Is(err, repository.ErrSnapshotMissing):
		s.current = models.Guest()
	case errors.Is(err, repository.ErrSnapshotCorrupt):
		s.logger.Warn("session snapshot is corrupt, clearing it")
		if clearErr := s.snapshots.Clear(ctx); clearErr != nil {
			s.logger.Warn("failed to clear corrupt session snapshot", zap.Error(clearErr))
		}
		s.current = models.Guest()
	default:
		s.logger.Warn("failed to load session snapshot, starting as guest", zap.Error(err))
		s.current = models.Guest()
	}
}

// Current returns a copy of the session. Profile pointers are cloned so
// callers can never mutate the store's state from outside.
func (s *SessionService) Current() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSession(s.current)
}

// LoginOrganization transitions to an authenticated organization session
// and persists it. The in-memory state only changes once the snapshot is
// safely written.
func (s *SessionService) LoginOrganization(ctx context.Context, profile models.OrganizationProfile) error {
	session := models.Session{
		Authenticated: true,
		Role:          models.RoleOrganization,
		Organization:  &profile,
	}
	return s.transition(ctx, session)
}

// LoginAdmin transitions to an authenticated admin session and persists it.
func (s *SessionService) LoginAdmin(ctx context.Context, profile models.AdminProfile) error {
	session := models.Session{
		Authenticated: true,
		Role:          models.RoleAdmin,
		Admin:         &profile,
	}
	return s.transition(ctx, session)
}

// Logout resets the session to guest and clears the snapshot. Logging out
// while already a guest is a no-op, never an error.
func (s *SessionService) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.snapshots.Clear(ctx); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear session")
	}
	s.current = models.Guest()
	return nil
}

// UpdateOrganizationProfile merges the provided fields into the current
// organization profile and re-persists the session. Only an organization
// session may update its profile, and the country never changes here.
func (s *SessionService) UpdateOrganizationProfile(ctx context.Context, update models.OrganizationProfileUpdate) (models.OrganizationProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Role != models.RoleOrganization || s.current.Organization == nil {
		return models.OrganizationProfile{}, appErrors.Clone(appErrors.ErrForbidden, "only organization accounts can update their profile")
	}

	merged := *s.current.Organization
	if update.Name != nil {
		merged.Name = *update.Name
	}
	if update.Type != nil {
		merged.Type = *update.Type
	}
	if update.ContactEmail != nil {
		merged.ContactEmail = *update.ContactEmail
	}
	if update.ContactName != nil {
		merged.ContactName = *update.ContactName
	}
	if update.Website != nil {
		merged.Website = *update.Website
	}
	if update.Address != nil {
		merged.Address = *update.Address
	}

	next := s.current
	next.Organization = &merged
	if err := s.snapshots.Save(ctx, next); err != nil {
		return models.OrganizationProfile{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist session")
	}
	s.current = next
	return merged, nil
}

// transition validates and installs a new session, persisting first so the
// in-memory state never runs ahead of durable storage.
func (s *SessionService) transition(ctx context.Context, session models.Session) error {
	if !session.Valid() {
		return appErrors.Clone(appErrors.ErrInternal, "session state is inconsistent")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.snapshots.Save(ctx, session); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist session")
	}
	s.current = session
	return nil
}

func cloneSession(session models.Session) models.Session {
	out := session
	if session.Organization != nil {
		org := *session.Organization
		out.Organization = &org
	}
	if session.Admin != nil {
		admin := *session.Admin
		out.Admin = &admin
	}
	return out
}
