package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhealthmap/airhealth-api/internal/models"
	"github.com/airhealthmap/airhealth-api/internal/service"
)

const testSecret = "test-secret"

func newTestAuthService() *service.AuthService {
	return service.NewAuthService(nil, nil, nil, nil, service.AuthConfig{
		AccessTokenSecret: testSecret,
		AccessTokenExpiry: time.Hour,
	})
}

func signTestToken(t *testing.T, userID string, role models.Role) string {
	t.Helper()
	now := time.Now().UTC()
	claims := &models.JWTClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestJWTRejectsMissingHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/uploads", nil)

	JWT(newTestAuthService())(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAttachesClaimsAndBearer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	token := signTestToken(t, "user-1", models.RoleOrganization)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/uploads", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	JWT(newTestAuthService())(c)

	require.False(t, c.IsAborted())
	value, exists := c.Get(ContextUserKey)
	require.True(t, exists)
	claims := value.(*models.JWTClaims)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, models.RoleOrganization, claims.Role)
}

func TestOptionalJWTPassesGuestsThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/auth/session", nil)

	OptionalJWT(newTestAuthService())(c)

	assert.False(t, c.IsAborted())
	_, exists := c.Get(ContextUserKey)
	assert.False(t, exists)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOptionalJWTIgnoresInvalidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/auth/session", nil)
	c.Request.Header.Set("Authorization", "Bearer not-a-token")

	OptionalJWT(newTestAuthService())(c)

	assert.False(t, c.IsAborted())
	_, exists := c.Get(ContextUserKey)
	assert.False(t, exists)
}

func TestOptionalJWTAttachesClaimsWhenPresent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	token := signTestToken(t, "user-2", models.RoleAdmin)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/auth/session", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	OptionalJWT(newTestAuthService())(c)

	require.False(t, c.IsAborted())
	value, exists := c.Get(ContextUserKey)
	require.True(t, exists)
	assert.Equal(t, "user-2", value.(*models.JWTClaims).UserID)
}
