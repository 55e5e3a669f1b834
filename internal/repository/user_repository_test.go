package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhealthmap/airhealth-api/internal/models"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func TestFindByEmail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "email", "password_hash", "full_name", "role", "active", "last_login", "created_at", "updated_at"}).
		AddRow("1", "org@example.com", "hash", "Clean Air Watch", string(models.RoleOrganization), true, now, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, email, password_hash, full_name, role, active, last_login, created_at, updated_at FROM users WHERE email = $1 LIMIT 1")).
		WithArgs("org@example.com").
		WillReturnRows(rows)

	user, err := repo.FindByEmail(context.Background(), "org@example.com")
	require.NoError(t, err)
	assert.Equal(t, "org@example.com", user.Email)
	assert.Equal(t, models.RoleOrganization, user.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByEmailNotFound(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectQuery("SELECT .+ FROM users WHERE email").
		WithArgs("ghost@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByEmail(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrganizationByUserID(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "name", "org_type", "country", "contact_email", "contact_name", "website", "address", "created_at"}).
		AddRow("org-1", "u1", "Clean Air Watch", "ngo", "Kazakhstan", "contact@caw.org", "A. Nazarbayeva", "https://caw.org", "Almaty", now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, name, org_type, country, contact_email, contact_name, website, address, created_at FROM organizations WHERE user_id = $1 LIMIT 1")).
		WithArgs("u1").
		WillReturnRows(rows)

	profile, err := repo.FindOrganizationByUserID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Clean Air Watch", profile.Name)
	assert.Equal(t, "Kazakhstan", profile.Country)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateOrganizationProfileLeavesCountryAlone(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE organizations SET name = $2, org_type = $3, contact_email = $4, contact_name = $5, website = $6, address = $7 WHERE id = $1")).
		WithArgs("org-1", "Renamed", "ngo", "new@caw.org", "B. Smagulov", "https://caw.org", "Astana").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateOrganizationProfile(context.Background(), &models.OrganizationProfile{
		ID:           "org-1",
		Name:         "Renamed",
		Type:         "ngo",
		Country:      "Kazakhstan",
		ContactEmail: "new@caw.org",
		ContactName:  "B. Smagulov",
		Website:      "https://caw.org",
		Address:      "Astana",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRefreshToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	token := &models.RefreshToken{UserID: "u1", Token: "token", ExpiresAt: time.Now()}
	err := repo.CreateRefreshToken(context.Background(), token)
	require.NoError(t, err)
	assert.NotEmpty(t, token.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPasswordResetTokenUsed(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	usedAt := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE password_reset_tokens SET used_at = $2 WHERE id = $1")).
		WithArgs("tok-1", usedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkPasswordResetTokenUsed(context.Background(), "tok-1", usedAt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAuditLog(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(1, 1))

	userID := "u1"
	entry := &models.AuditLog{UserID: &userID, Action: models.AuditActionLogin, Resource: "session"}
	err := repo.CreateAuditLog(context.Background(), entry)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
