package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhealthmap/airhealth-api/internal/models"
	"github.com/airhealthmap/airhealth-api/internal/repository"
	"github.com/airhealthmap/airhealth-api/internal/service"
)

func newTestSessionService(t *testing.T) *service.SessionService {
	repo, err := repository.NewFileSnapshotRepository(t.TempDir(), "airhealth.session")
	require.NoError(t, err)
	sessions := service.NewSessionService(repo, nil)
	sessions.Bootstrap(context.Background())
	return sessions
}

func TestAuthHandlerSessionStartsAsGuest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sessions := newTestSessionService(t)
	handler := NewAuthHandler(nil, sessions)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/auth/session", nil)
	c.Request = req

	handler.Session(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data models.Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.False(t, envelope.Data.Authenticated)
	assert.Equal(t, models.RoleGuest, envelope.Data.Role)
}

func TestAuthHandlerSessionReflectsLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sessions := newTestSessionService(t)
	require.NoError(t, sessions.LoginOrganization(context.Background(), models.OrganizationProfile{
		ID:      "org-1",
		Name:    "Clean Air Watch",
		Country: "Kazakhstan",
	}))
	handler := NewAuthHandler(nil, sessions)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/auth/session", nil)
	c.Request = req

	handler.Session(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data models.Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.True(t, envelope.Data.Authenticated)
	assert.Equal(t, models.RoleOrganization, envelope.Data.Role)
	require.NotNil(t, envelope.Data.Organization)
	assert.Equal(t, "Clean Air Watch", envelope.Data.Organization.Name)
}

func TestAuthHandlerLoginInvalidPayload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewAuthHandler(nil, newTestSessionService(t))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(`{"email":`))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	handler.Login(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandlerUpdateProfileRequiresClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewAuthHandler(nil, newTestSessionService(t))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPatch, "/auth/profile", bytes.NewBufferString(`{"name":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	handler.UpdateProfile(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
