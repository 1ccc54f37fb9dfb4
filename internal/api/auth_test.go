package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func authTestHandler(c echo.Context) error {
	user := CurrentUser(c)
	return c.JSON(http.StatusOK, map[string]interface{}{"uid": user.ID, "username": user.Name})
}

func doAuthed(t *testing.T, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.GET("/protected", authTestHandler, RequireAuth(testSecret))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequireAuth(t *testing.T) {
	t.Run("ValidToken", func(t *testing.T) {
		token, err := IssueToken(testSecret, 7, "alice", time.Hour)
		require.NoError(t, err)

		rec := doAuthed(t, "Bearer "+token)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"username":"alice"`)
	})

	t.Run("MissingHeader", func(t *testing.T) {
		rec := doAuthed(t, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("WrongScheme", func(t *testing.T) {
		rec := doAuthed(t, "Basic abc123")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		token, err := IssueToken(testSecret, 7, "alice", -time.Minute)
		require.NoError(t, err)

		rec := doAuthed(t, "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		token, err := IssueToken("other-secret", 7, "alice", time.Hour)
		require.NoError(t, err)

		rec := doAuthed(t, "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRateLimitByIP(t *testing.T) {
	limiter := newIPLimiter(rateLimit{limit: rate.Every(time.Minute), burst: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.allow("10.0.0.1"))
	}
	assert.False(t, limiter.allow("10.0.0.1"), "budget exhausted for this IP")
	assert.True(t, limiter.allow("10.0.0.2"), "other IPs keep their own budget")
}
