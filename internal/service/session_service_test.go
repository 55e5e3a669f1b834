package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airhealthmap/airhealth-api/internal/models"
	"github.com/airhealthmap/airhealth-api/internal/repository"
	appErrors "github.com/airhealthmap/airhealth-api/pkg/errors"
)

type snapshotStub struct {
	stored    *models.Session
	loadErr   error
	saveErr   error
	clearErr  error
	saveCount int
	clears    int
}

func (s *snapshotStub) Load(ctx context.Context) (models.Session, error) {
	if s.loadErr != nil {
		return models.Guest(), s.loadErr
	}
	if s.stored == nil {
		return models.Guest(), repository.ErrSnapshotMissing
	}
	return *s.stored, nil
}

func (s *snapshotStub) Save(ctx context.Context, session models.Session) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	copied := session
	s.stored = &copied
	s.saveCount++
	return nil
}

func (s *snapshotStub) Clear(ctx context.Context) error {
	s.clears++
	if s.clearErr != nil {
		return s.clearErr
	}
	s.stored = nil
	return nil
}

func orgProfile() models.OrganizationProfile {
	return models.OrganizationProfile{
		ID:      "org-1",
		Name:    "Clean Air Watch",
		Type:    "ngo",
		Country: "Kazakhstan",
	}
}

func TestSessionBootstrapMissingSnapshotStartsGuest(t *testing.T) {
	svc := NewSessionService(&snapshotStub{}, nil)
	svc.Bootstrap(context.Background())

	current := svc.Current()
	require.False(t, current.Authenticated)
	require.Equal(t, models.RoleGuest, current.Role)
	require.Nil(t, current.Organization)
	require.Nil(t, current.Admin)
}

func TestSessionBootstrapCorruptSnapshotClearsAndStartsGuest(t *testing.T) {
	stub := &snapshotStub{loadErr: repository.ErrSnapshotCorrupt}
	svc := NewSessionService(stub, nil)
	svc.Bootstrap(context.Background())

	require.Equal(t, 1, stub.clears)
	require.Equal(t, models.RoleGuest, svc.Current().Role)
}

func TestSessionBootstrapRestoresPersistedSession(t *testing.T) {
	profile := orgProfile()
	stub := &snapshotStub{stored: &models.Session{
		Authenticated: true,
		Role:          models.RoleOrganization,
		Organization:  &profile,
	}}
	svc := NewSessionService(stub, nil)
	svc.Bootstrap(context.Background())

	current := svc.Current()
	require.True(t, current.Authenticated)
	require.Equal(t, models.RoleOrganization, current.Role)
	require.NotNil(t, current.Organization)
	require.Equal(t, "Clean Air Watch", current.Organization.Name)
}

func TestSessionLoginPersistsBeforeMutating(t *testing.T) {
	stub := &snapshotStub{}
	svc := NewSessionService(stub, nil)

	require.NoError(t, svc.LoginOrganization(context.Background(), orgProfile()))
	require.Equal(t, 1, stub.saveCount)
	require.NotNil(t, stub.stored)
	require.Equal(t, models.RoleOrganization, stub.stored.Role)

	current := svc.Current()
	require.True(t, current.Authenticated)
	require.Equal(t, models.RoleOrganization, current.Role)
}

func TestSessionLoginFailedPersistLeavesStateUntouched(t *testing.T) {
	stub := &snapshotStub{saveErr: appErrors.ErrInternal}
	svc := NewSessionService(stub, nil)

	err := svc.LoginOrganization(context.Background(), orgProfile())
	require.Error(t, err)
	require.Equal(t, models.RoleGuest, svc.Current().Role)
}

func TestSessionLogoutIsIdempotent(t *testing.T) {
	stub := &snapshotStub{}
	svc := NewSessionService(stub, nil)
	require.NoError(t, svc.LoginOrganization(context.Background(), orgProfile()))

	require.NoError(t, svc.Logout(context.Background()))
	require.NoError(t, svc.Logout(context.Background()))

	current := svc.Current()
	require.False(t, current.Authenticated)
	require.Equal(t, models.RoleGuest, current.Role)
	require.Nil(t, stub.stored)
}

func TestSessionUpdateProfileRequiresOrganizationRole(t *testing.T) {
	svc := NewSessionService(&snapshotStub{}, nil)

	name := "New Name"
	_, err := svc.UpdateOrganizationProfile(context.Background(), models.OrganizationProfileUpdate{Name: &name})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestSessionUpdateProfileMergesAndKeepsCountry(t *testing.T) {
	stub := &snapshotStub{}
	svc := NewSessionService(stub, nil)
	require.NoError(t, svc.LoginOrganization(context.Background(), orgProfile()))

	name := "Clean Air Watch International"
	email := "contact@cleanair.example"
	merged, err := svc.UpdateOrganizationProfile(context.Background(), models.OrganizationProfileUpdate{
		Name:         &name,
		ContactEmail: &email,
	})
	require.NoError(t, err)
	require.Equal(t, name, merged.Name)
	require.Equal(t, email, merged.ContactEmail)
	require.Equal(t, "Kazakhstan", merged.Country)
	require.Equal(t, "ngo", merged.Type)

	// Re-persisted snapshot carries the merged profile.
	require.NotNil(t, stub.stored)
	require.Equal(t, name, stub.stored.Organization.Name)
}

func TestSessionCurrentReturnsIsolatedCopy(t *testing.T) {
	svc := NewSessionService(&snapshotStub{}, nil)
	require.NoError(t, svc.LoginOrganization(context.Background(), orgProfile()))

	leaked := svc.Current()
	leaked.Organization.Name = "tampered"

	require.Equal(t, "Clean Air Watch", svc.Current().Organization.Name)
}

func TestFileSnapshotRoundTripAndCorruptionRecovery(t *testing.T) {
	dir := t.TempDir()
	repo, err := repository.NewFileSnapshotRepository(dir, "airhealth.session")
	require.NoError(t, err)

	svc := NewSessionService(repo, nil)
	require.NoError(t, svc.LoginOrganization(context.Background(), orgProfile()))

	restored := NewSessionService(repo, nil)
	restored.Bootstrap(context.Background())
	require.Equal(t, models.RoleOrganization, restored.Current().Role)

	// A snapshot violating the session invariants is treated as corrupt.
	bad, err := json.Marshal(models.Session{Authenticated: true, Role: models.RoleGuest})
	require.NoError(t, err)
	require.NoError(t, writeSnapshotFile(dir, "airhealth.session", bad))

	healed := NewSessionService(repo, nil)
	healed.Bootstrap(context.Background())
	require.Equal(t, models.RoleGuest, healed.Current().Role)

	// The corrupt entry was cleared, so the next load reports missing.
	_, err = repo.Load(context.Background())
	require.ErrorIs(t, err, repository.ErrSnapshotMissing)
}

func writeSnapshotFile(dir, key string, raw []byte) error {
	return os.WriteFile(filepath.Join(dir, key+".json"), raw, 0o600)
}
