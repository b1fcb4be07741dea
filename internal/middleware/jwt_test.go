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
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(required bool) *gin.Engine {
	r := gin.New()
	r.GET("/whoami", JWTAuth(secret, required), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(EndpointIDKey))
	})
	return r
}

func do(r http.Handler, target, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken(secret, "alice", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)

	_, err = ParseToken("other-secret", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := IssueToken(secret, "alice", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, JWTClaims{UserID: "alice"})
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ParseToken(secret, s)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTAuthRequired(t *testing.T) {
	r := newEngine(true)
	token, err := IssueToken(secret, "alice", time.Hour)
	require.NoError(t, err)

	w := do(r, "/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, "/whoami", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = do(r, "/whoami?token="+token, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = do(r, "/whoami", "Token "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, "/whoami", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuthOptional(t *testing.T) {
	r := newEngine(false)

	w := do(r, "/whoami", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = do(r, "/whoami?token=garbage", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code, "a bad token is never ignored")
}
