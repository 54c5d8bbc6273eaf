package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func newRouter(secret, audience string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/private", JWTMiddleware(secret, audience, zap.NewNop()), func(c *gin.Context) {
		subject, _ := SubjectFromContext(c.Request.Context())
		c.String(http.StatusOK, subject)
	})
	return router
}

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func do(router *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestEmptySecretPassesThrough(t *testing.T) {
	resp := do(newRouter("", ""), "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, resp.Body.String())
}

func TestValidTokenInjectsSubject(t *testing.T) {
	token := signToken(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
		Subject:   "user-123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	resp := do(newRouter(testSecret, ""), "Bearer "+token)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "user-123", resp.Body.String())
}

func TestRejectsBadTokens(t *testing.T) {
	valid := jwt.RegisteredClaims{Subject: "user-123", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	tests := []struct {
		name          string
		audience      string
		authorization string
	}{
		{name: "missing header"},
		{name: "wrong scheme", authorization: "Basic abc"},
		{name: "empty token", authorization: "Bearer  "},
		{name: "wrong secret", authorization: "Bearer " + signToken(t, jwt.SigningMethodHS256, "other", valid)},
		{name: "expired", authorization: "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		})},
		{name: "missing subject", authorization: "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})},
		{name: "wrong audience", audience: "yolo-explorer", authorization: "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, valid)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(newRouter(testSecret, tt.audience), tt.authorization)
			assert.Equal(t, http.StatusUnauthorized, resp.Code)
		})
	}
}

func TestAudienceAccepted(t *testing.T) {
	token := signToken(t, jwt.SigningMethodHS512, testSecret, jwt.RegisteredClaims{
		Subject:   "user-9",
		Audience:  jwt.ClaimStrings{"yolo-explorer"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	resp := do(newRouter(testSecret, "yolo-explorer"), "Bearer "+token)
	assert.Equal(t, http.StatusOK, resp.Code)
}
